package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"microstable/core/events"
	"microstable/core/types"
	"microstable/crypto"
)

// MinimumCollateralRatio is the lowest collateral ratio, in percent, that can
// ever be configured. Below it a position could mint more than it locks.
const MinimumCollateralRatio uint64 = 100

const TypeParamsUpdated = "cdp.params.updated"

var (
	ErrInvalidConfiguration = errors.New("params: invalid configuration")
	ErrAlreadyInitialized   = errors.New("params: already initialized")
	ErrNotInitialized       = errors.New("params: not initialized")
	ErrUnauthorized         = errors.New("params: caller is not the authority")
)

// GlobalParameters is the single configuration record shared by every
// position.
type GlobalParameters struct {
	MinCollateralRatio uint64         `json:"minCollateralRatio"`
	CollateralAsset    string         `json:"collateralAsset"`
	SyntheticAsset     string         `json:"syntheticAsset"`
	Authority          crypto.Address `json:"authority"`
}

func (p GlobalParameters) validate() error {
	if p.MinCollateralRatio < MinimumCollateralRatio {
		return fmt.Errorf("%w: min collateral ratio %d below %d", ErrInvalidConfiguration, p.MinCollateralRatio, MinimumCollateralRatio)
	}
	if strings.TrimSpace(p.CollateralAsset) == "" || strings.TrimSpace(p.SyntheticAsset) == "" {
		return fmt.Errorf("%w: asset identifiers required", ErrInvalidConfiguration)
	}
	if p.CollateralAsset == p.SyntheticAsset {
		return fmt.Errorf("%w: collateral and synthetic assets must differ", ErrInvalidConfiguration)
	}
	if p.Authority.IsZero() {
		return fmt.Errorf("%w: authority required", ErrInvalidConfiguration)
	}
	return nil
}

// Pauses toggles individual position-manager actions. All halts every action.
type Pauses struct {
	All       bool `json:"all" toml:"All"`
	Deposit   bool `json:"deposit" toml:"Deposit"`
	Withdraw  bool `json:"withdraw" toml:"Withdraw"`
	Liquidate bool `json:"liquidate" toml:"Liquidate"`
}

type paramsEvent struct {
	evt *types.Event
}

func (e paramsEvent) EventType() string { return e.evt.Type }

func (e paramsEvent) Event() *types.Event { return e.evt }

// Store provides typed, concurrency-safe accessors for the global parameters.
// Readers share an RWMutex; writes are serialised and only the recorded
// authority may perform them.
type Store struct {
	mu      sync.RWMutex
	state   StoreState
	cached  *GlobalParameters
	pauses  *Pauses
	emitter events.Emitter
}

// NewStore constructs a parameter store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures where parameter change events are published.
func (s *Store) SetEmitter(emitter events.Emitter) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	s.emitter = emitter
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("params: state not configured")
	}
	return s.state, nil
}

// Initialize writes the parameters exactly once.
func (s *Store) Initialize(p GlobalParameters) (GlobalParameters, error) {
	if err := p.validate(); err != nil {
		return GlobalParameters{}, err
	}
	state, err := s.withState()
	if err != nil {
		return GlobalParameters{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadLocked()
	if err != nil && !errors.Is(err, ErrNotInitialized) {
		return GlobalParameters{}, err
	}
	if existing != nil {
		return GlobalParameters{}, ErrAlreadyInitialized
	}
	if err := writeJSON(state, ParamsKeyGlobal, p); err != nil {
		return GlobalParameters{}, err
	}
	stored := p
	s.cached = &stored
	s.emitLocked("initialize", p)
	slog.Info("cdp params initialized",
		slog.Uint64("min_collateral_ratio", p.MinCollateralRatio),
		slog.String("collateral_asset", p.CollateralAsset),
		slog.String("synthetic_asset", p.SyntheticAsset))
	return p, nil
}

// Read returns the current parameters.
func (s *Store) Read() (GlobalParameters, error) {
	if s == nil {
		return GlobalParameters{}, ErrNotInitialized
	}
	s.mu.RLock()
	if s.cached != nil {
		p := *s.cached
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.loadLocked()
	if err != nil {
		return GlobalParameters{}, err
	}
	return *p, nil
}

// UpdateMinRatio replaces the minimum collateral ratio. Existing positions are
// not re-evaluated; the new threshold applies from the next operation.
func (s *Store) UpdateMinRatio(newRatio uint64, caller crypto.Address) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	if !current.Authority.Equal(caller) {
		return ErrUnauthorized
	}
	if newRatio < MinimumCollateralRatio {
		return fmt.Errorf("%w: min collateral ratio %d below %d", ErrInvalidConfiguration, newRatio, MinimumCollateralRatio)
	}
	next := *current
	next.MinCollateralRatio = newRatio
	if err := writeJSON(state, ParamsKeyGlobal, next); err != nil {
		return err
	}
	s.cached = &next
	s.emitLocked("update_min_ratio", next)
	slog.Info("cdp min collateral ratio updated",
		slog.Uint64("previous", current.MinCollateralRatio),
		slog.Uint64("current", newRatio))
	return nil
}

// SetPauses persists the supplied pause configuration. Only the authority may
// change it.
func (s *Store) SetPauses(pauses Pauses, caller crypto.Address) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return err
	}
	if !current.Authority.Equal(caller) {
		return ErrUnauthorized
	}
	if err := writeJSON(state, ParamsKeyPauses, pauses); err != nil {
		return err
	}
	stored := pauses
	s.pauses = &stored
	slog.Warn("cdp pauses updated",
		slog.Bool("all", pauses.All),
		slog.Bool("deposit", pauses.Deposit),
		slog.Bool("withdraw", pauses.Withdraw),
		slog.Bool("liquidate", pauses.Liquidate))
	return nil
}

// Pauses loads the persisted pause configuration. When unset, a zero-value
// configuration is returned.
func (s *Store) Pauses() (Pauses, error) {
	state, err := s.withState()
	if err != nil {
		return Pauses{}, err
	}
	s.mu.RLock()
	if s.pauses != nil {
		p := *s.pauses
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	raw, ok, err := state.ParamStoreGet(ParamsKeyPauses)
	if err != nil {
		return Pauses{}, err
	}
	var pauses Pauses
	if ok && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &pauses); err != nil {
			return Pauses{}, fmt.Errorf("params: decode pauses: %w", err)
		}
	}
	s.mu.Lock()
	s.pauses = &pauses
	s.mu.Unlock()
	return pauses, nil
}

// IsPaused implements the nativecommon.PauseView contract. A pause record that
// cannot be read is treated as paused.
func (s *Store) IsPaused(module string) bool {
	pauses, err := s.Pauses()
	if err != nil {
		slog.Error("cdp pauses unreadable", slog.Any("error", err))
		return true
	}
	switch strings.ToLower(strings.TrimSpace(module)) {
	case ModuleName:
		return pauses.All
	case ModuleName + "." + ActionDeposit:
		return pauses.Deposit
	case ModuleName + "." + ActionWithdraw:
		return pauses.Withdraw
	case ModuleName + "." + ActionLiquidate:
		return pauses.Liquidate
	default:
		return false
	}
}

func (s *Store) loadLocked() (*GlobalParameters, error) {
	if s.cached != nil {
		return s.cached, nil
	}
	raw, ok, err := s.state.ParamStoreGet(ParamsKeyGlobal)
	if err != nil {
		return nil, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrNotInitialized
	}
	var p GlobalParameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("params: decode global parameters: %w", err)
	}
	s.cached = &p
	return &p, nil
}

func (s *Store) emitLocked(action string, p GlobalParameters) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(paramsEvent{evt: &types.Event{
		Type: TypeParamsUpdated,
		Attributes: map[string]string{
			"action":             action,
			"minCollateralRatio": strconv.FormatUint(p.MinCollateralRatio, 10),
			"collateralAsset":    p.CollateralAsset,
			"syntheticAsset":     p.SyntheticAsset,
			"authority":          p.Authority.String(),
		},
	}})
}

func writeJSON(state StoreState, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("params: encode %s: %w", key, err)
	}
	return state.ParamStoreSet(key, encoded)
}
