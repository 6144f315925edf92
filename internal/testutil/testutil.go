// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertNear checks that got is within tol of want.
func AssertNear(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.IsNaN(got) || math.Abs(got-want) > tol {
		t.Errorf("%s = %.9g, want %.9g (tol %g)", name, got, want, tol)
	}
}

// AssertVecNear checks every component of got is within tol of want.
func AssertVecNear(t *testing.T, name string, got, want r3.Vec, tol float64) {
	t.Helper()
	if r3.Norm(r3.Sub(got, want)) > tol {
		t.Errorf("%s = (%.6g, %.6g, %.6g), want (%.6g, %.6g, %.6g) (tol %g)",
			name, got.X, got.Y, got.Z, want.X, want.Y, want.Z, tol)
	}
}
