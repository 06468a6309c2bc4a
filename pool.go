package blobdvm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// Pool holds one key and a set of relay connections, fanning publishes out
// to every relay and fanning notifications back in with cross-relay
// deduplication. It is the only thing in this package that talks to the
// network.
type Pool struct {
	Log *log.Logger

	secretKey string
	PublicKey string

	mu     sync.Mutex
	relays []*nostr.Relay
}

func NewPool(secretKey string) (*Pool, error) {
	pubkey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &Pool{
		Log:       log.New(os.Stderr, "[blobdvm-pool] ", log.LstdFlags),
		secretKey: secretKey,
		PublicKey: pubkey,
	}, nil
}

// Connect dials every url. It fails only when no relay at all could be
// reached.
func (p *Pool) Connect(ctx context.Context, urls []string) error {
	var lastErr error
	for _, url := range urls {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			p.Log.Printf("failed to connect to %s: %s", url, err)
			lastErr = err
			continue
		}
		p.mu.Lock()
		p.relays = append(p.relays, relay)
		p.mu.Unlock()
	}

	if len(p.connected()) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no relay urls given")
		}
		return fmt.Errorf("could not connect to any relay: %w", lastErr)
	}
	return nil
}

func (p *Pool) connected() []*nostr.Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*nostr.Relay(nil), p.relays...)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, relay := range p.relays {
		relay.Close()
	}
	p.relays = nil
}

// Sign stamps the event with the pool's key.
func (p *Pool) Sign(evt *nostr.Event) error {
	return evt.Sign(p.secretKey)
}

// Publish sends a signed event to every relay; it succeeds if at least one
// accepted it.
func (p *Pool) Publish(ctx context.Context, evt nostr.Event) error {
	var lastErr error
	accepted := 0
	for _, relay := range p.connected() {
		if err := relay.Publish(ctx, evt); err != nil {
			p.Log.Printf("publish of %s to %s failed: %s", evt.ID, relay.URL, err)
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("no relay accepted event %s: %w", evt.ID, lastErr)
	}
	return nil
}

// Subscribe opens the filter on every relay and fans events into one
// channel, dropping events already seen from another relay. The channel is
// drained until ctx is done; it is never closed, so receivers must select on
// ctx themselves.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, error) {
	relays := p.connected()
	if len(relays) == 0 {
		return nil, errors.New("not connected to any relay")
	}

	out := make(chan *nostr.Event)
	seen := xsync.NewMapOf[string, struct{}]()

	opened := 0
	for _, relay := range relays {
		sub, err := relay.Subscribe(ctx, []nostr.Filter{filter})
		if err != nil {
			p.Log.Printf("subscribe on %s failed: %s", relay.URL, err)
			continue
		}
		opened++

		go func() {
			defer sub.Unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					if _, dup := seen.LoadOrStore(evt.ID, struct{}{}); dup {
						continue
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	if opened == 0 {
		return nil, errors.New("could not subscribe on any relay")
	}
	return out, nil
}

// Query runs a one-shot historical fetch: the filter is opened on every
// relay and collected until each has signalled end-of-stored-events, with
// duplicates across relays dropped.
func (p *Pool) Query(ctx context.Context, filter nostr.Filter) []*nostr.Event {
	seen := xsync.NewMapOf[string, struct{}]()

	var mu sync.Mutex
	var results []*nostr.Event

	var wg sync.WaitGroup
	for _, relay := range p.connected() {
		sub, err := relay.Subscribe(ctx, []nostr.Filter{filter})
		if err != nil {
			p.Log.Printf("query on %s failed: %s", relay.URL, err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.EndOfStoredEvents:
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					if _, dup := seen.LoadOrStore(evt.ID, struct{}{}); dup {
						continue
					}
					mu.Lock()
					results = append(results, evt)
					mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()
	return results
}
