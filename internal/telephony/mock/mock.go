// Package mock provides an in-memory mock implementation of
// [telephony.Originator] for use in unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/dialtree/dialtree/internal/telephony"
)

// Compile-time interface assertion.
var _ telephony.Originator = (*Originator)(nil)

// Originator records carrier calls and returns scripted results.
type Originator struct {
	mu sync.Mutex

	// CallID is returned by CreateCall. Err, when non-nil, is returned by
	// every method.
	CallID string
	Err    error

	// Status is returned by GetCallStatus.
	Status telephony.CallStatus

	// Created and Digits record the arguments of each call.
	Created []telephony.CreateCallParams
	Digits  []string
}

// CreateCall implements [telephony.Originator].
func (o *Originator) CreateCall(_ context.Context, p telephony.CreateCallParams) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Created = append(o.Created, p)
	if o.Err != nil {
		return "", o.Err
	}
	if o.CallID == "" {
		return "CA-mock", nil
	}
	return o.CallID, nil
}

// SendDigits implements [telephony.Originator].
func (o *Originator) SendDigits(_ context.Context, callID, digits string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Digits = append(o.Digits, digits)
	return o.Err
}

// GetCallStatus implements [telephony.Originator].
func (o *Originator) GetCallStatus(_ context.Context, callID string) (telephony.CallStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return telephony.CallStatus{}, o.Err
	}
	st := o.Status
	if st.CallID == "" {
		st.CallID = callID
	}
	return st, nil
}
