package app

import (
	"context"

	"github.com/google/uuid"
)

type admissionKey struct{}

// admissionSet is never mutated after it is stored in a context, so concurrent requests
// sharing a parent context cannot observe each other's evaluations.
type admissionSet map[uuid.UUID]struct{}

func withAdmissionInProgress(ctx context.Context, tenantID uuid.UUID) context.Context {
	parent, _ := ctx.Value(admissionKey{}).(admissionSet)
	next := make(admissionSet, len(parent)+1)
	for id := range parent {
		next[id] = struct{}{}
	}
	next[tenantID] = struct{}{}
	return context.WithValue(ctx, admissionKey{}, next)
}

func admissionInProgress(ctx context.Context, tenantID uuid.UUID) bool {
	set, _ := ctx.Value(admissionKey{}).(admissionSet)
	_, ok := set[tenantID]
	return ok
}
