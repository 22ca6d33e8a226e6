package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/server"
)

// DefaultListen is used for servers without a listen address; the port is
// picked by the kernel.
const DefaultListen = "127.0.0.1:0"

// SSEBinder serves each started server over MCP/SSE on its own address.
type SSEBinder struct {
	// Host replaces the listen host in the advertised URL, for servers
	// listening on all interfaces.
	Host   string
	Logger *logging.Logger
}

func (b *SSEBinder) Bind(binding server.Binding) (server.Listener, error) {
	name := binding.Name
	if name == "" {
		name = binding.ServerID
	}
	return b.bind(name, binding.Listen, binding.Dispatcher)
}

func (b *SSEBinder) bind(name, addr string, d Dispatcher) (*sseListener, error) {
	logger := b.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if addr == "" {
		addr = DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	bound := ln.Addr().String()
	if b.Host != "" {
		if _, port, err := net.SplitHostPort(bound); err == nil {
			bound = net.JoinHostPort(b.Host, port)
		}
	}

	srv := New(name, d, logger)
	httpSrv := &http.Server{ReadHeaderTimeout: 10 * time.Second}
	sse := mcpsrv.NewSSEServer(srv.MCP(),
		mcpsrv.WithBaseURL("http://"+bound),
		mcpsrv.WithKeepAlive(true),
		mcpsrv.WithHTTPServer(httpSrv),
	)
	httpSrv.Handler = sse

	l := &sseListener{
		addr:   bound,
		srv:    srv,
		sse:    sse,
		http:   httpSrv,
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.serve(ln)
	logger.Infof("server %s: MCP over SSE at http://%s/sse", d.ServerID(), bound)
	return l, nil
}

type sseListener struct {
	addr   string
	srv    *Server
	sse    *mcpsrv.SSEServer
	http   *http.Server
	done   chan struct{}
	logger *logging.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

func (l *sseListener) serve(ln net.Listener) {
	defer close(l.done)
	err := l.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return
	}
	l.mu.Lock()
	if !l.closed {
		l.err = err
	}
	l.mu.Unlock()
}

func (l *sseListener) Addr() string {
	return l.addr
}

func (l *sseListener) ToolsChanged() {
	l.srv.SyncTools()
}

func (l *sseListener) Done() <-chan struct{} {
	return l.done
}

func (l *sseListener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close ends every SSE stream and stops the HTTP server. Streams never go
// idle, so a shutdown that runs out of time closes connections outright.
func (l *sseListener) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.sse.Shutdown(ctx)
	if err != nil {
		l.logger.Warnf("mcp listener %s: forced close: %v", l.addr, err)
		err = l.http.Close()
	}
	<-l.done
	return err
}
