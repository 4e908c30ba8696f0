package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/pubsub"
)

// Watch is the server-side identity signal for one client connection.
// fn is called once with the principal the token resolves to (nil when the
// token is missing, invalid or revoked) and again with nil when that
// principal signs out anywhere. A non-nil error means the signal itself
// failed. Calls are sequential. stop cancels the watch and waits for it.
func (s *Service) Watch(ctx context.Context, rawToken string, fn func(*entity.Principal, error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watch(ctx, rawToken, fn)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (s *Service) watch(ctx context.Context, rawToken string, fn func(*entity.Principal, error)) {
	claims, err := s.tokens.Parse(rawToken)
	if rawToken == "" || err != nil {
		fn(nil, nil)
		return
	}

	// subscribe before verifying the version so a sign-out racing with
	// this connection is not missed
	var sub pubsub.Subscription
	if s.bus != nil {
		sub, err = s.bus.Subscribe(ctx, pubsub.PrincipalTopic(claims.Subject))
		if err != nil {
			if ctx.Err() == nil {
				fn(nil, err)
			}
			return
		}
		defer sub.Close()
	}

	p, err := s.Authenticate(ctx, rawToken)
	switch {
	case errors.Is(err, ErrInvalidToken):
		fn(nil, nil)
		return
	case err != nil:
		if ctx.Err() == nil {
			fn(nil, err)
		}
		return
	}
	fn(&p, nil)

	if sub == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if string(msg) == SignedOutMessage {
				fn(nil, nil)
				return
			}
		}
	}
}
