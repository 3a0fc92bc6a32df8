package tunnel

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

// NgrokProvider implements Provider on top of the ngrok agent SDK.
type NgrokProvider struct {
	authToken string

	mu        sync.RWMutex
	forwarder ngrok.Forwarder
	info      Info
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewNgrokProvider(authToken string) *NgrokProvider {
	ctx, cancel := context.WithCancel(context.Background())
	return &NgrokProvider{
		authToken: authToken,
		ctx:       ctx,
		cancel:    cancel,
		info:      Info{Status: StatusDisconnected},
	}
}

// Start connects the tunnel in the background.
func (p *NgrokProvider) Start(localPort int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.info.Status == StatusConnected || p.info.Status == StatusConnecting {
		return fmt.Errorf("tunnel already running")
	}

	p.info.Status = StatusConnecting
	p.info.Error = ""
	p.info.LocalURL = fmt.Sprintf("http://127.0.0.1:%d", localPort)

	go func() {
		if err := p.connect(localPort); err != nil {
			p.mu.Lock()
			p.info.Status = StatusError
			p.info.Error = err.Error()
			p.mu.Unlock()
			log.Printf("[ERROR] ngrok tunnel failed: %v", err)
		}
	}()
	return nil
}

func (p *NgrokProvider) connect(localPort int) error {
	localURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", localPort))
	if err != nil {
		return fmt.Errorf("invalid local port: %w", err)
	}

	forwarder, err := ngrok.ListenAndForward(p.ctx, localURL,
		ngrokconfig.HTTPEndpoint(), ngrok.WithAuthtoken(p.authToken))
	if err != nil {
		return fmt.Errorf("failed to establish ngrok tunnel: %w", err)
	}

	p.mu.Lock()
	p.forwarder = forwarder
	p.info.URL = forwarder.URL()
	p.info.Status = StatusConnected
	p.info.ConnectedAt = time.Now()
	p.mu.Unlock()

	log.Printf("[INFO] ngrok tunnel established: %s -> http://127.0.0.1:%d", forwarder.URL(), localPort)
	return forwarder.Wait()
}

// Stop tears down the tunnel; the provider can be started again.
func (p *NgrokProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.info.Status == StatusDisconnected {
		return nil
	}

	p.cancel()
	if p.forwarder != nil {
		if err := p.forwarder.Close(); err != nil {
			log.Printf("[WARN] error closing ngrok forwarder: %v", err)
		}
		p.forwarder = nil
	}

	p.info = Info{Status: StatusDisconnected}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	log.Printf("[INFO] ngrok tunnel stopped")
	return nil
}

func (p *NgrokProvider) PublicURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.URL
}

func (p *NgrokProvider) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}
