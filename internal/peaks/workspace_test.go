package peaks

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/scdcal/internal/geom"
	"github.com/banshee-data/scdcal/internal/instrument"
)

func bankIntens(w *Workspace) [][2]any {
	var out [][2]any
	for _, p := range w.Peaks() {
		out = append(out, [2]any{p.BankName, p.Intensity})
	}
	return out
}

func numbers(w *Workspace) []int {
	var out []int
	for _, p := range w.Peaks() {
		out = append(out, p.PeakNumber)
	}
	return out
}

func TestSortByLiteralCase(t *testing.T) {
	w := NewWorkspace(nil)
	w.Add(Peak{BankName: "B", Intensity: 5})
	w.Add(Peak{BankName: "A", Intensity: 10})
	w.Add(Peak{BankName: "A", Intensity: 3})

	err := w.SortBy([]SortCriterion{{"BankName", true}, {"Intens", true}})
	require.NoError(t, err)

	want := [][2]any{{"A", 3.0}, {"A", 10.0}, {"B", 5.0}}
	if diff := cmp.Diff(want, bankIntens(w)); diff != "" {
		t.Errorf("sort order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortByDirectionPerCriterion(t *testing.T) {
	w := NewWorkspace(nil)
	w.Add(Peak{BankName: "A", Intensity: 3})
	w.Add(Peak{BankName: "B", Intensity: 5})
	w.Add(Peak{BankName: "A", Intensity: 10})
	w.Add(Peak{BankName: "B", Intensity: 1})

	require.NoError(t, w.SortBy([]SortCriterion{{"BankName", false}, {"Intens", true}}))
	want := [][2]any{{"B", 1.0}, {"B", 5.0}, {"A", 3.0}, {"A", 10.0}}
	if diff := cmp.Diff(want, bankIntens(w)); diff != "" {
		t.Errorf("sort order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortByStable(t *testing.T) {
	w := NewWorkspace(nil)
	for i := 1; i <= 6; i++ {
		bank := "bank1"
		if i%2 == 0 {
			bank = "bank2"
		}
		w.Add(Peak{BankName: bank, PeakNumber: i, Intensity: 7})
	}
	require.NoError(t, w.SortBy([]SortCriterion{{"BankName", true}, {"Intens", false}}))
	assert.Equal(t, []int{1, 3, 5, 2, 4, 6}, numbers(w))
}

func TestSortByIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	w := NewWorkspace(nil)
	banks := []string{"bank1", "bank10", "bank2", "None"}
	for i := 0; i < 200; i++ {
		w.Add(Peak{
			BankName:   banks[rng.Intn(len(banks))],
			Intensity:  float64(rng.Intn(5)),
			Row:        rng.Intn(3),
			PeakNumber: i + 1,
		})
	}
	w.Add(Peak{BankName: "bank1", Intensity: math.NaN(), PeakNumber: 1000})

	criteria := []SortCriterion{{"BankName", true}, {"Intens", false}, {"Row", true}}
	require.NoError(t, w.SortBy(criteria))
	first := numbers(w)
	require.NoError(t, w.SortBy(criteria))
	assert.Equal(t, first, numbers(w))

	// Byte order puts "None" ahead of lower-case bank names.
	p, _ := w.Peak(0)
	assert.Equal(t, "None", p.BankName)
}

func TestSortByNaNOrdersFirst(t *testing.T) {
	w := NewWorkspace(nil)
	w.Add(Peak{Intensity: 2, PeakNumber: 1})
	w.Add(Peak{Intensity: math.NaN(), PeakNumber: 2})
	w.Add(Peak{Intensity: 1, PeakNumber: 3})
	require.NoError(t, w.SortBy([]SortCriterion{{"Intens", true}}))
	assert.Equal(t, []int{2, 3, 1}, numbers(w))
}

func TestSortByValidatesBeforeReordering(t *testing.T) {
	w := NewWorkspace(nil)
	w.Add(Peak{BankName: "B", PeakNumber: 1})
	w.Add(Peak{BankName: "A", PeakNumber: 2})

	err := w.SortBy([]SortCriterion{{"BankName", true}, {"Nope", true}})
	assert.True(t, errors.Is(err, ErrColumnNotFound), "got %v", err)
	assert.Equal(t, []int{1, 2}, numbers(w))

	err = w.SortBy([]SortCriterion{{"QLab", true}})
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)

	err = w.SortBy(nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
}

func TestRemoveAt(t *testing.T) {
	w := NewWorkspace(nil)
	for i := 1; i <= 3; i++ {
		w.Add(Peak{PeakNumber: i})
	}
	require.NoError(t, w.RemoveAt(1))
	assert.Equal(t, []int{1, 3}, numbers(w))

	for _, i := range []int{-1, 2, 100} {
		err := w.RemoveAt(i)
		assert.True(t, errors.Is(err, ErrOutOfRange), "RemoveAt(%d) = %v", i, err)
	}
	assert.Equal(t, 2, w.Len())
}

func TestRemoveWhere(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		indices []int
		want    []int
	}{
		{"none", 5, nil, []int{1, 2, 3, 4, 5}},
		{"first and last", 5, []int{0, 4}, []int{2, 3, 4}},
		{"not cascading", 5, []int{1, 2}, []int{1, 4, 5}},
		{"duplicates and out of range", 5, []int{3, 3, -1, 5, 99}, []int{1, 2, 3, 5}},
		{"all", 3, []int{2, 1, 0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorkspace(nil)
			for i := 1; i <= tt.n; i++ {
				w.Add(Peak{PeakNumber: i})
			}
			removed := w.RemoveWhere(tt.indices)
			assert.Equal(t, tt.n-len(tt.want), removed)
			assert.Equal(t, len(tt.want), w.Len())
			assert.Equal(t, tt.want, numbers(w))
		})
	}
}

func TestRemoveWhereProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := rng.Intn(30)
		w := NewWorkspace(nil)
		for i := 0; i < n; i++ {
			w.Add(Peak{PeakNumber: i + 1})
		}
		set := map[int]bool{}
		var indices []int
		for j := rng.Intn(40); j > 0; j-- {
			idx := rng.Intn(40) - 5
			indices = append(indices, idx)
			if idx >= 0 && idx < n {
				set[idx] = true
			}
		}
		var want []int
		for i := 0; i < n; i++ {
			if !set[i] {
				want = append(want, i+1)
			}
		}
		w.RemoveWhere(indices)
		require.Equal(t, n-len(set), w.Len())
		require.Equal(t, want, numbers(w))
	}
}

func TestRemoveIf(t *testing.T) {
	w := NewWorkspace(nil)
	for i, b := range []string{"bank1", "bank2", "bank1", NoBank} {
		w.Add(Peak{BankName: b, PeakNumber: i + 1})
	}
	n := w.RemoveIf(func(p Peak) bool { return p.BankName != "bank1" })
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 3}, numbers(w))
}

func TestColumns(t *testing.T) {
	want := []string{
		"RunNumber", "DetID", "h", "k", "l", "Wavelength", "Energy", "TOF",
		"DSpacing", "Intens", "SigInt", "Intens/SigInt", "BinCount", "BankName",
		"Row", "Col", "QLab", "QSample", "PeakNumber", "TBar",
	}
	w := NewWorkspace(nil)
	assert.Equal(t, want, w.ColumnNames())
	assert.Equal(t, want, NewWorkspace(nil).ColumnNames())

	_, err := w.Column("Nope")
	assert.True(t, errors.Is(err, ErrColumnNotFound))

	col, err := w.Column("BankName")
	require.NoError(t, err)
	assert.Equal(t, Text, col.Kind)

	p := Peak{Intensity: 10, SigmaIntensity: 4, BankName: "bank3", QSample: r3.Vec{X: 1, Y: 2, Z: 3}}
	v, err := w.Project(p, "Intens/SigInt")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v.Number)

	v, _ = w.Project(p, "QLab")
	assert.Equal(t, Vector, v.Kind)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, v.Vector)

	v, _ = w.Project(Peak{Intensity: 10}, "Intens/SigInt")
	assert.Equal(t, 0.0, v.Number)

	w.Add(p)
	v, err = w.Value(0, "BankName")
	require.NoError(t, err)
	assert.Equal(t, "bank3", v.String())
	_, err = w.Value(1, "BankName")
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestPeakCopySemantics(t *testing.T) {
	w := NewWorkspace(nil)
	p := Peak{BankName: "bank1"}
	w.Add(p)
	p.BankName = "changed"

	got, _ := w.Peak(0)
	assert.Equal(t, "bank1", got.BankName)

	got.BankName = "also changed"
	again, _ := w.Peak(0)
	assert.Equal(t, "bank1", again.BankName)

	require.NoError(t, w.ModifyPeak(0, func(p *Peak) { p.BankName = "bank9" }))
	again, _ = w.Peak(0)
	assert.Equal(t, "bank9", again.BankName)
	assert.True(t, errors.Is(w.ModifyPeak(3, func(*Peak) {}), ErrOutOfRange))
}

func TestClone(t *testing.T) {
	w := NewWorkspace(instrument.New("TEST"))
	lat, err := NewOrientedLattice(LatticeConstants{5, 5, 5, 90, 90, 90}, geom.Identity())
	require.NoError(t, err)
	w.SetOrientedLattice(lat)
	w.Add(Peak{BankName: "bank1"})
	w.Add(Peak{BankName: "bank2"})

	cp := w.Clone()
	cp.RemoveIf(func(p Peak) bool { return p.BankName != "bank1" })
	require.NoError(t, cp.ModifyPeak(0, func(p *Peak) { p.Intensity = 99 }))

	assert.Equal(t, 2, w.Len())
	orig, _ := w.Peak(0)
	assert.Equal(t, 0.0, orig.Intensity)
	assert.Same(t, w.Instrument(), cp.Instrument())

	l, ok := cp.OrientedLattice()
	require.True(t, ok)
	assert.Equal(t, lat, l)
}
