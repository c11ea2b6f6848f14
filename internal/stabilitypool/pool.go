package stabilitypool

import (
	"errors"
	"fmt"

	fpmath "CdpLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrZeroDeposit          = errors.New("stability pool: deposit must be positive")
	ErrInsufficientDeposits = errors.New("stability pool: offset exceeds deposits")
)

// Pool absorbs liquidated debt by burning deposits and hands depositors the
// seized collateral pro rata.
//
// Depositor balances are derived lazily from a running product P (the
// fraction of each deposit surviving all offsets, 1e18-scaled) and a sum S
// (collateral gained per unit of initial deposit, P-weighted). When P would
// fall below scaleFactor it is multiplied by scaleFactor and the scale
// advances; sums are kept per (epoch, scale). When an offset empties the
// pool the epoch advances and P resets.
type Pool struct {
	totalDeposits *uint256.Int
	totalCollGain *uint256.Int
	p             *uint256.Int
	epoch         uint64
	scale         uint64
	sums          map[uint64]map[uint64]*uint256.Int
	deposits      map[uuid.UUID]*Deposit
}

// scaleFactor is the P rescale step. A deposit snapshotted more than one
// scale back has compounded to nothing.
var scaleFactor = uint256.NewInt(1_000_000_000)

// Deposit is one depositor's snapshot.
type Deposit struct {
	Initial     *uint256.Int `json:"initial"`
	P           *uint256.Int `json:"p"`
	S           *uint256.Int `json:"s"`
	Epoch       uint64       `json:"epoch"`
	Scale       uint64       `json:"scale"`
	SettledGain *uint256.Int `json:"settled_gain"` // gains realised at the last re-deposit
}

// State is the serializable form of a Pool.
type State struct {
	TotalDeposits *uint256.Int                       `json:"total_deposits"`
	TotalCollGain *uint256.Int                       `json:"total_coll_gain"`
	P             *uint256.Int                       `json:"p"`
	Epoch         uint64                             `json:"epoch"`
	Scale         uint64                             `json:"scale"`
	Sums          map[uint64]map[uint64]*uint256.Int `json:"sums"`
	Deposits      map[uuid.UUID]*Deposit             `json:"deposits"`
}

func NewPool() *Pool {
	return &Pool{
		totalDeposits: fpmath.Zero(),
		totalCollGain: fpmath.Zero(),
		p:             fpmath.Precision(),
		sums:          map[uint64]map[uint64]*uint256.Int{0: {0: fpmath.Zero()}},
		deposits:      make(map[uuid.UUID]*Deposit),
	}
}

func (sp *Pool) TotalDeposits() *uint256.Int { return sp.totalDeposits.Clone() }
func (sp *Pool) TotalCollGain() *uint256.Int { return sp.totalCollGain.Clone() }

// P returns the running product and its current scale.
func (sp *Pool) P() (*uint256.Int, uint64) { return sp.p.Clone(), sp.scale }

// sum returns S at (epoch, scale), zero when never written.
func (sp *Pool) sum(epoch, scale uint64) *uint256.Int {
	if v, ok := sp.sums[epoch][scale]; ok {
		return v
	}
	return fpmath.Zero()
}

func (sp *Pool) setSum(epoch, scale uint64, v *uint256.Int) {
	if sp.sums[epoch] == nil {
		sp.sums[epoch] = make(map[uint64]*uint256.Int)
	}
	sp.sums[epoch][scale] = v
}

// Deposit adds amount to the depositor's compounded deposit.
func (sp *Pool) Deposit(depositor uuid.UUID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroDeposit
	}

	compounded := sp.CompoundedDeposit(depositor)
	gain := sp.CollateralGain(depositor)

	sp.deposits[depositor] = &Deposit{
		Initial:     fpmath.Add(compounded, amount),
		P:           sp.p.Clone(),
		S:           sp.sum(sp.epoch, sp.scale).Clone(),
		Epoch:       sp.epoch,
		Scale:       sp.scale,
		SettledGain: gain,
	}
	sp.totalDeposits = fpmath.Add(sp.totalDeposits, amount)
	return nil
}

// Offset burns debt from deposits and credits coll to depositors. It
// returns the debt actually offset.
func (sp *Pool) Offset(debt, coll *uint256.Int) (*uint256.Int, error) {
	if debt.IsZero() {
		return fpmath.Zero(), nil
	}
	if debt.Gt(sp.totalDeposits) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInsufficientDeposits, debt.Dec(), sp.totalDeposits.Dec())
	}

	unit := fpmath.AmountConfig.Scale
	collPerUnit := fpmath.MulDiv(coll, unit, sp.totalDeposits)
	sp.setSum(sp.epoch, sp.scale, fpmath.Add(sp.sum(sp.epoch, sp.scale), fpmath.MulDiv(collPerUnit, sp.p, unit)))

	// Round the loss up so depositors are never over-credited.
	lossPerUnit := fpmath.MulDivUp(debt, unit, sp.totalDeposits)
	factor := fpmath.Sub(unit, lossPerUnit)

	switch newP := fpmath.MulDiv(sp.p, factor, unit); {
	case factor.IsZero():
		// Whole pool consumed, up to the rounding dust left in totalDeposits.
		sp.epoch++
		sp.scale = 0
		sp.setSum(sp.epoch, 0, fpmath.Zero())
		sp.p = fpmath.Precision()
	case newP.Lt(scaleFactor):
		// P >= scaleFactor and factor >= 1, so the rescaled product is positive.
		scaled := fpmath.MulDiv(fpmath.Mul(sp.p, factor), scaleFactor, unit)
		sp.scale++
		for scaled.Lt(scaleFactor) {
			scaled = fpmath.Mul(scaled, scaleFactor)
			sp.scale++
		}
		sp.p = scaled
		sp.setSum(sp.epoch, sp.scale, fpmath.Zero())
	default:
		sp.p = newP
	}
	if sp.p.IsZero() {
		panic(fmt.Sprintf("FATAL: stability pool product underflow offsetting %s of %s", debt.Dec(), sp.totalDeposits.Dec()))
	}

	sp.totalDeposits = fpmath.Sub(sp.totalDeposits, debt)
	sp.totalCollGain = fpmath.Add(sp.totalCollGain, coll)
	return debt.Clone(), nil
}

// CompoundedDeposit returns what remains of the depositor's deposit.
// Anything below a billionth of the initial deposit rounds to zero.
func (sp *Pool) CompoundedDeposit(depositor uuid.UUID) *uint256.Int {
	d, ok := sp.deposits[depositor]
	if !ok || d.Epoch != sp.epoch {
		return fpmath.Zero()
	}

	var compounded *uint256.Int
	switch sp.scale - d.Scale {
	case 0:
		compounded = fpmath.MulDiv(d.Initial, sp.p, d.P)
	case 1:
		compounded = new(uint256.Int).Div(fpmath.MulDiv(d.Initial, sp.p, d.P), scaleFactor)
	default:
		return fpmath.Zero()
	}

	if compounded.Lt(new(uint256.Int).Div(d.Initial, scaleFactor)) {
		return fpmath.Zero()
	}
	return compounded
}

// CollateralGain returns the collateral the depositor has earned. Gains
// span the snapshot scale and the one after it; later scales contribute
// nothing measurable.
func (sp *Pool) CollateralGain(depositor uuid.UUID) *uint256.Int {
	d, ok := sp.deposits[depositor]
	if !ok {
		return fpmath.Zero()
	}
	first := fpmath.Sub(sp.sum(d.Epoch, d.Scale), d.S)
	second := new(uint256.Int).Div(sp.sum(d.Epoch, d.Scale+1), scaleFactor)
	gain := fpmath.MulDiv(d.Initial, fpmath.Add(first, second), d.P)
	return fpmath.Add(gain, d.SettledGain)
}

// Depositors returns every depositor id in no particular order.
func (sp *Pool) Depositors() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(sp.deposits))
	for id := range sp.deposits {
		out = append(out, id)
	}
	return out
}

// State returns a deep copy for snapshots and checkpoints.
func (sp *Pool) State() State {
	s := State{
		TotalDeposits: sp.totalDeposits.Clone(),
		TotalCollGain: sp.totalCollGain.Clone(),
		P:             sp.p.Clone(),
		Epoch:         sp.epoch,
		Scale:         sp.scale,
		Sums:          cloneSums(sp.sums),
		Deposits:      make(map[uuid.UUID]*Deposit, len(sp.deposits)),
	}
	for id, d := range sp.deposits {
		s.Deposits[id] = d.clone()
	}
	return s
}

// Restore replaces the pool contents with s.
func (sp *Pool) Restore(s State) {
	sp.totalDeposits = fpmath.Clone(s.TotalDeposits)
	sp.totalCollGain = fpmath.Clone(s.TotalCollGain)
	sp.p = fpmath.Clone(s.P)
	if sp.p.IsZero() {
		sp.p = fpmath.Precision()
	}
	sp.epoch, sp.scale = s.Epoch, s.Scale
	sp.sums = cloneSums(s.Sums)
	if _, ok := sp.sums[sp.epoch][sp.scale]; !ok {
		sp.setSum(sp.epoch, sp.scale, fpmath.Zero())
	}
	sp.deposits = make(map[uuid.UUID]*Deposit, len(s.Deposits))
	for id, d := range s.Deposits {
		sp.deposits[id] = d.clone()
	}
}

func cloneSums(in map[uint64]map[uint64]*uint256.Int) map[uint64]map[uint64]*uint256.Int {
	out := make(map[uint64]map[uint64]*uint256.Int, len(in))
	for epoch, scales := range in {
		out[epoch] = make(map[uint64]*uint256.Int, len(scales))
		for scale, v := range scales {
			out[epoch][scale] = fpmath.Clone(v)
		}
	}
	return out
}

func (d *Deposit) clone() *Deposit {
	return &Deposit{
		Initial:     fpmath.Clone(d.Initial),
		P:           fpmath.Clone(d.P),
		S:           fpmath.Clone(d.S),
		Epoch:       d.Epoch,
		Scale:       d.Scale,
		SettledGain: fpmath.Clone(d.SettledGain),
	}
}
