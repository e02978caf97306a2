// Package registry implements the Multiplier Registry (spec §4.2): an
// immutable, in-memory mapping from a multiplier note id to its (factor,
// win-threshold) pair, loaded once at startup from the bespoke "name:note_id"
// file format described in spec §6.
package registry

import (
	"bufio"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
)

// Multiplier is a single betting option (spec §3).
type Multiplier struct {
	NoteID string
	// Factor is kept as a rational (numerator/denominator) rather than a
	// binary float so payout computation (§9) never rounds the house edge
	// away from its committed value.
	FactorNum *big.Int
	FactorDen *big.Int
	Threshold uint16
}

// thresholdTable maps a factor (formatted with two decimal places, e.g.
// "1.05") to the win threshold baked in at compile time. The registry treats
// the thresholds as opaque data and does not derive them from the factor.
var thresholdTable = map[string]uint16{
	"1.01": 65535,
	"1.05": 62531,
	"1.10": 59676,
	"1.20": 54699,
	"1.50": 43760,
	"2.00": 32820,
	"3.00": 21880,
	"5.00": 13128,
	"10.00": 6564,
	"20.00": 3282,
	"50.00": 1312,
	"100.00": 656,
	"1000.00": 64,
}

// Registry is the immutable, process-lifetime multiplier table.
type Registry struct {
	byNoteID map[string]Multiplier
}

// Lookup returns the (factor, threshold) pair for a multiplier note id.
func (r *Registry) Lookup(noteID string) (Multiplier, bool) {
	if r == nil {
		return Multiplier{}, false
	}
	m, ok := r.byNoteID[noteID]
	return m, ok
}

// Load parses the registry file format from spec §6: one `x<factor>:<note-id>`
// entry per line, blank lines ignored, `_` substituted for `.` in the factor.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) (*Registry, error) {
	reg := &Registry{byNoteID: make(map[string]Multiplier)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, noteID, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("registry: line %d: missing ':' separator", lineNo)
		}
		name = strings.TrimSpace(name)
		noteID = strings.TrimSpace(noteID)
		if !strings.HasPrefix(name, "x") {
			return nil, fmt.Errorf("registry: line %d: entry name %q must start with 'x'", lineNo, name)
		}
		decimalForm := strings.ReplaceAll(strings.TrimPrefix(name, "x"), "_", ".")
		threshold, canonical, err := lookupThreshold(decimalForm)
		if err != nil {
			return nil, fmt.Errorf("registry: line %d: %w", lineNo, err)
		}
		num, den := rationalFromDecimal(canonical)
		if _, exists := reg.byNoteID[noteID]; exists {
			return nil, fmt.Errorf("registry: line %d: duplicate note id %q", lineNo, noteID)
		}
		reg.byNoteID[noteID] = Multiplier{
			NoteID:    noteID,
			FactorNum: num,
			FactorDen: den,
			Threshold: threshold,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("registry: scan: %w", err)
	}
	return reg, nil
}

func lookupThreshold(decimalForm string) (uint16, string, error) {
	f, err := strconv.ParseFloat(decimalForm, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid factor %q: %w", decimalForm, err)
	}
	if f <= 1 {
		return 0, "", fmt.Errorf("factor %q must be > 1", decimalForm)
	}
	canonical := strconv.FormatFloat(f, 'f', 2, 64)
	threshold, ok := thresholdTable[canonical]
	if !ok {
		return 0, "", fmt.Errorf("no compiled threshold for factor %q (canonical %q)", decimalForm, canonical)
	}
	return threshold, canonical, nil
}

// rationalFromDecimal converts a fixed two-decimal string like "1.05" into an
// exact integer ratio (105/100, reduced), so payout math never touches a
// binary float (spec §9).
func rationalFromDecimal(canonical string) (num, den *big.Int) {
	whole, frac, _ := strings.Cut(canonical, ".")
	digits := whole + frac
	n := new(big.Int)
	n.SetString(digits, 10)
	d := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(len(frac))), nil)
	g := new(big.Int).GCD(nil, nil, new(big.Int).Abs(n), new(big.Int).Abs(d))
	if g.Sign() != 0 {
		n.Div(n, g)
		d.Div(d, g)
	}
	return n, d
}

// PayoutMsat computes floor(betMsat * factor), rounding down per spec §9.
func PayoutMsat(betMsat uint64, m Multiplier) uint64 {
	amount := new(big.Int).SetUint64(betMsat)
	amount.Mul(amount, m.FactorNum)
	amount.Div(amount, m.FactorDen)
	return amount.Uint64()
}
