package mfa

import (
	"context"
	"fmt"
	"time"

	"authgate/internal/kv"
)

// Registry routes challenge operations to the provider that issued them.
// New channels are added by registering another Provider, not by branching
// in calling code.
type Registry struct {
	providers  map[ProviderType]Provider
	challenges *challenges
}

func NewRegistry(store kv.Store, challengeTTL time.Duration) *Registry {
	return &Registry{
		providers:  make(map[ProviderType]Provider),
		challenges: newChallenges(store, challengeTTL),
	}
}

func (r *Registry) Register(provider Provider) {
	r.providers[provider.Type()] = provider
}

func (r *Registry) Provider(providerType ProviderType) (Provider, bool) {
	provider, ok := r.providers[providerType]
	return provider, ok
}

// Generate opens a challenge on the named channel.
func (r *Registry) Generate(ctx context.Context, providerType ProviderType, userID, target string) (Result, error) {
	provider, ok := r.providers[providerType]
	if !ok {
		return Result{}, fmt.Errorf("no %s provider registered", providerType)
	}
	return provider.GenerateChallenge(ctx, userID, target)
}

// Verify loads the challenge to find its issuing provider, then delegates.
func (r *Registry) Verify(ctx context.Context, challengeID, code string) (Challenge, Result, error) {
	challenge, err := r.challenges.load(ctx, challengeID)
	if err != nil {
		return Challenge{}, Result{}, err
	}

	provider, ok := r.providers[challenge.ProviderType]
	if !ok {
		return challenge, Result{}, fmt.Errorf("no %s provider registered", challenge.ProviderType)
	}

	result, err := provider.VerifyChallenge(ctx, challengeID, code)
	return challenge, result, err
}

// Resend re-transmits the code for out-of-band channels.
func (r *Registry) Resend(ctx context.Context, challengeID string) (Result, error) {
	challenge, err := r.challenges.load(ctx, challengeID)
	if err != nil {
		return Result{}, err
	}

	provider, ok := r.providers[challenge.ProviderType]
	if !ok {
		return Result{}, fmt.Errorf("no %s provider registered", challenge.ProviderType)
	}

	resender, ok := provider.(Resender)
	if !ok {
		return Result{}, fmt.Errorf("%s challenges cannot be resent", challenge.ProviderType)
	}
	return resender.Resend(ctx, challengeID)
}
