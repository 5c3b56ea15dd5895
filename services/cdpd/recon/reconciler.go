package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"microstable/crypto"
	"microstable/native/cdp"
	"microstable/native/params"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyVaultMismatch  = "vault_mismatch"
	AnomalySupplyMismatch = "supply_mismatch"
)

// PositionSource lists every persisted position.
type PositionSource interface {
	Positions(ctx context.Context) ([]cdp.Position, error)
}

// BalanceSource reads custody balances and asset supply.
type BalanceSource interface {
	Balance(asset string, addr crypto.Address) (uint64, error)
	Supply(asset string) (uint64, error)
}

// ParamsSource exposes the configured asset identifiers.
type ParamsSource interface {
	Read() (params.GlobalParameters, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Positions          PositionSource
	Balances           BalanceSource
	Params             ParamsSource
	OutputDir          string
	DryRun             bool
	CollateralDecimals int32
	SyntheticDecimals  int32
	Now                func() time.Time
	Alert              AlertFunc
	Logger             *slog.Logger
}

// Reconciler compares the position ledger with the bank's custody records:
// every vault must hold exactly its position's collateral, and the synthetic
// supply must equal the total debt. Balances are read without holding position
// locks, so a single mismatch can be an in-flight operation; one that persists
// across runs cannot.
type Reconciler struct {
	positions PositionSource
	balances  BalanceSource
	params    ParamsSource
	outputDir string
	dryRun    bool
	collDec   int32
	synthDec  int32
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	Owner   string
	Details string
}

// ReportRow summarises one position.
type ReportRow struct {
	Owner            string
	Vault            string
	LedgerCollateral uint64
	VaultBalance     uint64
	Debt             uint64
	Version          uint64
	VaultMismatch    bool
	UpdatedAt        time.Time
}

// Summary carries the global supply check.
type Summary struct {
	Positions       int
	TotalCollateral uint64
	TotalDebt       uint64
	SyntheticSupply uint64
	SupplyMismatch  bool
}

// Result summarises a reconciliation run.
type Result struct {
	At          time.Time
	Rows        []*ReportRow
	Summary     Summary
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Positions == nil {
		return nil, errors.New("recon: position source is required")
	}
	if cfg.Balances == nil {
		return nil, errors.New("recon: balance source is required")
	}
	if cfg.Params == nil {
		return nil, errors.New("recon: params source is required")
	}
	if cfg.OutputDir == "" && !cfg.DryRun {
		return nil, errors.New("recon: output dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		positions: cfg.Positions,
		balances:  cfg.Balances,
		params:    cfg.Params,
		outputDir: cfg.OutputDir,
		dryRun:    cfg.DryRun,
		collDec:   cfg.CollateralDecimals,
		synthDec:  cfg.SyntheticDecimals,
		now:       nowFn,
		alert:     cfg.Alert,
		logger:    logger,
	}, nil
}

// Run executes one reconciliation pass and, unless in dry-run mode, writes
// the CSV and Parquet reports.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	p, err := r.params.Read()
	if err != nil {
		return nil, fmt.Errorf("recon: read params: %w", err)
	}
	positions, err := r.positions.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: list positions: %w", err)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Owner.Key() < positions[j].Owner.Key()
	})

	result := &Result{At: r.now()}
	var totalColl, totalDebt big.Int
	for _, pos := range positions {
		held, err := r.balances.Balance(p.CollateralAsset, pos.Vault)
		if err != nil {
			return nil, fmt.Errorf("recon: vault balance %s: %w", pos.Vault, err)
		}
		row := &ReportRow{
			Owner:            pos.Owner.String(),
			Vault:            pos.Vault.String(),
			LedgerCollateral: pos.Collateral,
			VaultBalance:     held,
			Debt:             pos.Debt,
			Version:          pos.Version,
			VaultMismatch:    held != pos.Collateral,
			UpdatedAt:        time.Unix(pos.UpdatedAt, 0).UTC(),
		}
		if row.VaultMismatch {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyVaultMismatch,
				Owner:   row.Owner,
				Details: fmt.Sprintf("vault %s holds %s, ledger records %s", row.Vault, r.units(held, r.collDec), r.units(pos.Collateral, r.collDec)),
			}))
		}
		totalColl.Add(&totalColl, new(big.Int).SetUint64(pos.Collateral))
		totalDebt.Add(&totalDebt, new(big.Int).SetUint64(pos.Debt))
		result.Rows = append(result.Rows, row)
	}

	supply, err := r.balances.Supply(p.SyntheticAsset)
	if err != nil {
		return nil, fmt.Errorf("recon: synthetic supply: %w", err)
	}
	result.Summary = Summary{
		Positions:       len(positions),
		TotalCollateral: clamp(&totalColl),
		TotalDebt:       clamp(&totalDebt),
		SyntheticSupply: supply,
		SupplyMismatch:  !totalDebt.IsUint64() || totalDebt.Uint64() != supply,
	}
	if result.Summary.SupplyMismatch {
		result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
			Type:    AnomalySupplyMismatch,
			Details: fmt.Sprintf("%s supply %s, total debt %s", p.SyntheticAsset, r.units(supply, r.synthDec), decimal.NewFromBigInt(&totalDebt, -r.synthDec).StringFixed(r.synthDec)),
		}))
	}

	if r.dryRun {
		return result, nil
	}
	runDir := filepath.Join(r.outputDir, result.At.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	result.CSVPath = filepath.Join(runDir, "positions.csv")
	if err := r.writeCSV(result.CSVPath, result.Rows); err != nil {
		return nil, err
	}
	result.ParquetPath = filepath.Join(runDir, "positions.parquet")
	if err := r.writeParquet(result.ParquetPath, result.Rows); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "recon: reports written",
		slog.String("path", runDir),
		slog.Int("positions", len(result.Rows)),
		slog.Int("anomalies", len(result.Anomalies)))
	return result, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.logger.WarnContext(ctx, "recon: anomaly",
		slog.String("type", anomaly.Type),
		slog.String("owner", anomaly.Owner),
		slog.String("details", anomaly.Details))
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.ErrorContext(ctx, "recon: alert delivery failed", slog.Any("error", err))
		}
	}
	return anomaly
}

// units renders a base-unit amount in whole asset units.
func (r *Reconciler) units(v uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals).StringFixed(decimals)
}

func (r *Reconciler) writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"owner", "vault", "ledger_collateral", "vault_balance", "debt",
		"ledger_collateral_units", "vault_balance_units", "debt_units",
		"version", "vault_mismatch", "updated_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Owner,
			row.Vault,
			strconv.FormatUint(row.LedgerCollateral, 10),
			strconv.FormatUint(row.VaultBalance, 10),
			strconv.FormatUint(row.Debt, 10),
			r.units(row.LedgerCollateral, r.collDec),
			r.units(row.VaultBalance, r.collDec),
			r.units(row.Debt, r.synthDec),
			strconv.FormatUint(row.Version, 10),
			strconv.FormatBool(row.VaultMismatch),
			row.UpdatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Owner                 string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Vault                 string `parquet:"name=vault, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerCollateral      string `parquet:"name=ledger_collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	VaultBalance          string `parquet:"name=vault_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	Debt                  string `parquet:"name=debt, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerCollateralUnits string `parquet:"name=ledger_collateral_units, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtUnits             string `parquet:"name=debt_units, type=BYTE_ARRAY, convertedtype=UTF8"`
	Version               int64  `parquet:"name=version, type=INT64"`
	VaultMismatch         bool   `parquet:"name=vault_mismatch, type=BOOLEAN"`
	UpdatedAt             string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func (r *Reconciler) writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Owner:                 row.Owner,
			Vault:                 row.Vault,
			LedgerCollateral:      strconv.FormatUint(row.LedgerCollateral, 10),
			VaultBalance:          strconv.FormatUint(row.VaultBalance, 10),
			Debt:                  strconv.FormatUint(row.Debt, 10),
			LedgerCollateralUnits: r.units(row.LedgerCollateral, r.collDec),
			DebtUnits:             r.units(row.Debt, r.synthDec),
			Version:               int64(row.Version),
			VaultMismatch:         row.VaultMismatch,
			UpdatedAt:             row.UpdatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func clamp(v *big.Int) uint64 {
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}
