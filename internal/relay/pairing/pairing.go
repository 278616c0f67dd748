// Package pairing holds the in-memory pool of pending device pairing
// codes. Codes live 10 minutes, are consumed exactly once, and use an
// alphabet with no ambiguous characters.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// alphabet excludes 0, O, I and 1.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength = 6
	maxRetries = 10
	TTL        = 10 * time.Minute
	sweepEvery = time.Minute
)

// Status of a pending code.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
)

// Pending is one outstanding pairing attempt.
type Pending struct {
	Code      string
	Hostname  string
	OS        string
	Version   string
	Status    string
	UserID    string // set on approval
	AgentID   string // set on approval
	Token     string // set on approval, handed out exactly once
	ExpiresAt time.Time
}

var (
	// ErrExpired: the code existed but its TTL lapsed.
	ErrExpired = errors.New("pairing code expired")
	// ErrNotFound: unknown or already-consumed code.
	ErrNotFound = errors.New("pairing code not found")
)

// Pool is the in-memory code registry.
type Pool struct {
	mu    sync.Mutex
	codes map[string]*Pending
	now   func() time.Time
}

func NewPool() *Pool {
	return &Pool{codes: make(map[string]*Pending), now: time.Now}
}

// Create registers a new pending code for an unpaired agent.
func (p *Pool) Create(hostname, osName, version string) (*Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < maxRetries; i++ {
		code, err := randomCode()
		if err != nil {
			return nil, err
		}
		if _, taken := p.codes[code]; taken {
			continue
		}
		pend := &Pending{
			Code:      code,
			Hostname:  hostname,
			OS:        osName,
			Version:   version,
			Status:    StatusPending,
			ExpiresAt: p.now().Add(TTL),
		}
		p.codes[code] = pend
		return pend, nil
	}
	return nil, errors.New("could not allocate a unique pairing code")
}

// Get returns a live pending entry. Expired entries are evicted on
// access and reported as expired.
func (p *Pool) Get(code string) (*Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(code)
}

func (p *Pool) getLocked(code string) (*Pending, error) {
	pend, ok := p.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if p.now().After(pend.ExpiresAt) {
		delete(p.codes, code)
		return nil, ErrExpired
	}
	return pend, nil
}

// Approve marks a pending code approved and attaches the identity the
// agent will receive on its next poll.
func (p *Pool) Approve(code, userID, agentID, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pend, err := p.getLocked(code)
	if err != nil {
		return err
	}
	if pend.Status == StatusApproved {
		return fmt.Errorf("pairing code already approved")
	}
	pend.Status = StatusApproved
	pend.UserID = userID
	pend.AgentID = agentID
	pend.Token = token
	return nil
}

// Consume returns an approved entry and deletes it; a second call for
// the same code reports not-found. Pending codes are left in place.
func (p *Pool) Consume(code string) (*Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pend, err := p.getLocked(code)
	if err != nil {
		return nil, err
	}
	if pend.Status != StatusApproved {
		return pend, nil
	}
	delete(p.codes, code)
	return pend, nil
}

// Sweep evicts expired codes; run periodically.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	now := p.now()
	for code, pend := range p.codes {
		if now.After(pend.ExpiresAt) {
			delete(p.codes, code)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of outstanding codes.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.codes)
}

// SweepInterval is how often the relay runs Sweep.
const SweepInterval = sweepEvery

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
