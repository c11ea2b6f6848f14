package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"CdpLedger/internal/event"
	fpmath "CdpLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrMissingField     = errors.New("ingestion: missing required field")
	ErrUnknownSubject   = errors.New("ingestion: unknown command subject")
	ErrMissingCommandID = errors.New("ingestion: command_id is required")
)

// Command is the JSON wire format shared by NATS and the RPC surface.
// Amounts are human decimal strings with up to 18 fractional digits
// ("1.5" is 1.5e18 base units). Fields not used by a command type are
// ignored.
type Command struct {
	CommandID   string `json:"command_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`

	Owner      string   `json:"owner,omitempty"`
	CdpID      string   `json:"cdp_id,omitempty"`
	CdpIDs     []string `json:"cdp_ids,omitempty"`
	Liquidator string   `json:"liquidator,omitempty"`
	Redeemer   string   `json:"redeemer,omitempty"`
	Depositor  string   `json:"depositor,omitempty"`
	Operator   string   `json:"operator,omitempty"`

	Debt         string `json:"debt,omitempty"`
	CollShares   string `json:"coll_shares,omitempty"`
	Shares       string `json:"shares,omitempty"`
	Amount       string `json:"amount,omitempty"`
	CollDelta    string `json:"coll_delta,omitempty"`
	CollIncrease bool   `json:"coll_increase,omitempty"`
	DebtDelta    string `json:"debt_delta,omitempty"`
	DebtIncrease bool   `json:"debt_increase,omitempty"`
	Price        string `json:"price,omitempty"`
	Index        string `json:"index,omitempty"`

	MaxCount      int `json:"max_count,omitempty"`
	MaxIterations int `json:"max_iterations,omitempty"`

	PrevHint string `json:"prev_hint,omitempty"`
	NextHint string `json:"next_hint,omitempty"`
}

// ParseRawEvent decodes a NATS message into a typed command. The event
// type comes from the last subject token.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	et, err := EventTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}

	var cmd Command
	if err := json.Unmarshal(raw.Data, &cmd); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	if cmd.CommandID == "" {
		return nil, ErrMissingCommandID
	}
	return cmd.ToEvent(et, raw.ReceivedAt)
}

// EventTypeFromSubject maps "cdp.commands.OpenCdp" to EventTypeOpenCdp.
func EventTypeFromSubject(subject string) (event.EventType, error) {
	if !strings.HasPrefix(subject, CommandSubjectPrefix) {
		return event.EventTypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	et, ok := event.ParseEventType(strings.TrimPrefix(subject, CommandSubjectPrefix))
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	return et, nil
}

// ToEvent builds the typed command. A missing command id gets a fresh one
// and a missing timestamp takes now.
func (c Command) ToEvent(et event.EventType, now time.Time) (event.Event, error) {
	p := fieldParser{}
	hdr := c.header(&p, now)

	var evt event.Event
	switch et {
	case event.EventTypeFundCollateral:
		evt = &event.FundCollateral{Header: hdr, Owner: p.id("owner", c.Owner), Shares: p.amount("shares", c.Shares)}
	case event.EventTypeOpenCdp:
		evt = &event.OpenCdp{
			Header:     hdr,
			Hints:      c.hints(&p),
			Owner:      p.id("owner", c.Owner),
			Debt:       p.amount("debt", c.Debt),
			CollShares: p.amount("coll_shares", c.CollShares),
		}
	case event.EventTypeAdjustCdp:
		evt = &event.AdjustCdp{
			Header:       hdr,
			Hints:        c.hints(&p),
			CdpID:        p.id("cdp_id", c.CdpID),
			Owner:        p.id("owner", c.Owner),
			CollDelta:    p.optionalAmount("coll_delta", c.CollDelta),
			CollIncrease: c.CollIncrease,
			DebtDelta:    p.optionalAmount("debt_delta", c.DebtDelta),
			DebtIncrease: c.DebtIncrease,
		}
	case event.EventTypeCloseCdp:
		evt = &event.CloseCdp{Header: hdr, CdpID: p.id("cdp_id", c.CdpID), Owner: p.id("owner", c.Owner)}
	case event.EventTypeLiquidate:
		evt = &event.Liquidate{Header: hdr, CdpID: p.id("cdp_id", c.CdpID), Liquidator: p.id("liquidator", c.Liquidator)}
	case event.EventTypeLiquidateBatch:
		ids := make([]uuid.UUID, len(c.CdpIDs))
		for i, s := range c.CdpIDs {
			ids[i] = p.id("cdp_ids", s)
		}
		evt = &event.LiquidateBatch{Header: hdr, CdpIDs: ids, Liquidator: p.id("liquidator", c.Liquidator)}
	case event.EventTypeLiquidateSequentially:
		evt = &event.LiquidateSequentially{Header: hdr, MaxCount: c.MaxCount, Liquidator: p.id("liquidator", c.Liquidator)}
	case event.EventTypeRedeemCollateral:
		evt = &event.RedeemCollateral{
			Header:        hdr,
			Redeemer:      p.id("redeemer", c.Redeemer),
			Amount:        p.amount("amount", c.Amount),
			MaxIterations: c.MaxIterations,
		}
	case event.EventTypeClaimSurplus:
		evt = &event.ClaimSurplus{Header: hdr, Owner: p.id("owner", c.Owner)}
	case event.EventTypeStabilityDeposit:
		evt = &event.StabilityDeposit{Header: hdr, Depositor: p.id("depositor", c.Depositor), Amount: p.amount("amount", c.Amount)}
	case event.EventTypePriceUpdate:
		evt = &event.PriceUpdate{Header: hdr, Price: p.amount("price", c.Price)}
	case event.EventTypeCollateralRebase:
		evt = &event.CollateralRebase{Header: hdr, Index: p.amount("index", c.Index)}
	case event.EventTypeSweepParked:
		evt = &event.SweepParked{Header: hdr, Operator: p.id("operator", c.Operator)}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, et)
	}

	if p.err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, p.err)
	}
	return evt, nil
}

func (c Command) header(p *fieldParser, now time.Time) event.Header {
	id := uuid.New()
	if c.CommandID != "" {
		id = p.id("command_id", c.CommandID)
	}
	h := event.NewHeader(id, c.Sequence, now)
	if c.TimestampUs != 0 {
		h.TimestampUs = c.TimestampUs
	}
	return h
}

func (c Command) hints(p *fieldParser) event.Hints {
	return event.Hints{
		Prev: p.optionalID("prev_hint", c.PrevHint),
		Next: p.optionalID("next_hint", c.NextHint),
	}
}

// fieldParser keeps the first error so each case reads as one expression.
type fieldParser struct {
	err error
}

func (p *fieldParser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
}

func (p *fieldParser) id(field, s string) uuid.UUID {
	if s == "" {
		p.fail(field, ErrMissingField)
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		p.fail(field, err)
	}
	return id
}

func (p *fieldParser) optionalID(field, s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	return p.id(field, s)
}

func (p *fieldParser) amount(field, s string) *uint256.Int {
	if s == "" {
		p.fail(field, ErrMissingField)
		return fpmath.Zero()
	}
	v, err := fpmath.FromDecimalString(s)
	if err == nil {
		err = fpmath.CheckAmount(v)
	}
	if err != nil {
		p.fail(field, err)
		return fpmath.Zero()
	}
	return v
}

func (p *fieldParser) optionalAmount(field, s string) *uint256.Int {
	if s == "" {
		return fpmath.Zero()
	}
	return p.amount(field, s)
}
