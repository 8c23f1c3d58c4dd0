package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrNoResponse is reported when the upstream accepts a request but sends
// no response headers before the total watchdog.
var ErrNoResponse = errors.New("upstream sent no response")

// Send performs req with client. The wait for response headers is bounded
// by the total watchdog (the idle one when total is off); the body is then
// left to Consume's watchdogs. Closing the returned body releases the
// request.
func (in *Ingestor) Send(client *http.Client, req *http.Request) (*http.Response, error) {
	total, idle := in.Timeouts()
	limit := total
	if limit <= 0 {
		limit = idle
	}

	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	var (
		mu       sync.Mutex
		answered bool
		expired  bool
	)
	if limit > 0 {
		t := time.AfterFunc(limit, func() {
			mu.Lock()
			defer mu.Unlock()
			if !answered {
				expired = true
				cancel()
			}
		})
		defer t.Stop()
	}

	resp, err := client.Do(req)

	mu.Lock()
	answered = true
	timedOut := expired
	mu.Unlock()

	switch {
	case timedOut:
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w within %s", ErrNoResponse, limit)
	case err != nil:
		cancel()
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
