package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", sqliteDSN(dsn))
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection: SQLite has a single writer and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// sqliteDSN appends the connection options the store relies on, keeping any
// query string the configured DSN already has.
func sqliteDSN(dsn string) string {
	const options = "_foreign_keys=on&_busy_timeout=5000"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + options
	}
	return dsn + "?" + options
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return createDeployment(ctx, s.db, d)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) GetActiveDeployment(ctx context.Context, environmentID, stackName string) (*domain.Deployment, error) {
	return getActiveDeployment(ctx, s.db, environmentID, stackName)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return updateDeployment(ctx, s.db, d)
}

func (s *SQLiteStore) ListActiveDeployments(ctx context.Context, environmentID string) ([]*domain.Deployment, error) {
	return listActiveDeployments(ctx, s.db, environmentID)
}

// Product deployments span two tables, so writes always run in a transaction.

func (s *SQLiteStore) CreateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.CreateProductDeployment(ctx, pd) })
}

func (s *SQLiteStore) GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return getProductDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) GetActiveProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	return getActiveProductDeployment(ctx, s.db, environmentID, productGroupID)
}

func (s *SQLiteStore) UpdateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.UpdateProductDeployment(ctx, pd) })
}

func (s *SQLiteStore) ListActiveProductDeployments(ctx context.Context, productGroupID string) ([]*domain.ProductDeployment, error) {
	return listActiveProductDeployments(ctx, s.db, productGroupID)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return createDeployment(ctx, s.tx, d)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetActiveDeployment(ctx context.Context, environmentID, stackName string) (*domain.Deployment, error) {
	return getActiveDeployment(ctx, s.tx, environmentID, stackName)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, d)
}

func (s *txSQLiteStore) ListActiveDeployments(ctx context.Context, environmentID string) ([]*domain.Deployment, error) {
	return listActiveDeployments(ctx, s.tx, environmentID)
}

func (s *txSQLiteStore) CreateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	return createProductDeployment(ctx, s.tx, pd)
}

func (s *txSQLiteStore) GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error) {
	return getProductDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetActiveProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	return getActiveProductDeployment(ctx, s.tx, environmentID, productGroupID)
}

func (s *txSQLiteStore) UpdateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error {
	return updateProductDeployment(ctx, s.tx, pd)
}

func (s *txSQLiteStore) ListActiveProductDeployments(ctx context.Context, productGroupID string) ([]*domain.ProductDeployment, error) {
	return listActiveProductDeployments(ctx, s.tx, productGroupID)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Deployment Rows
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID            string  `db:"id"`
	EnvironmentID string  `db:"environment_id"`
	StackID       string  `db:"stack_id"`
	StackName     string  `db:"stack_name"`
	StackVersion  string  `db:"stack_version"`
	DeployedBy    string  `db:"deployed_by"`
	Status        string  `db:"status"`
	Services      *string `db:"services"`
	Phases        *string `db:"phases"`
	Variables     *string `db:"variables"`
	Settings      *string `db:"settings"`
	ErrorMessage  string  `db:"error_message"`
	CreatedAt     string  `db:"created_at"`
	UpdatedAt     string  `db:"updated_at"`
	CompletedAt   *string `db:"completed_at"`
	Version       int     `db:"version"`
}

const deploymentColumns = `id, environment_id, stack_id, stack_name, stack_version, deployed_by,
	status, services, phases, variables, settings, error_message,
	created_at, updated_at, completed_at, version`

func deploymentToMap(op string, d *domain.Deployment) (map[string]any, error) {
	services, err := marshalJSON(d.Services)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize services", ErrInvalidData)
	}
	phases, err := marshalJSON(d.Phases)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize phases", ErrInvalidData)
	}
	variables, err := marshalJSON(d.Variables)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize variables", ErrInvalidData)
	}
	settings, err := marshalJSON(d.Settings)
	if err != nil {
		return nil, NewStoreError(op, "deployment", d.ID, "failed to serialize settings", ErrInvalidData)
	}

	return map[string]any{
		"id":             d.ID,
		"environment_id": d.EnvironmentID,
		"stack_id":       d.StackID,
		"stack_name":     d.StackName,
		"stack_version":  d.StackVersion,
		"deployed_by":    d.DeployedBy,
		"status":         string(d.Status),
		"services":       services,
		"phases":         phases,
		"variables":      variables,
		"settings":       settings,
		"error_message":  d.ErrorMessage,
		"created_at":     formatTime(d.CreatedAt),
		"updated_at":     formatTime(d.UpdatedAt),
		"completed_at":   formatTimePtr(d.CompletedAt),
		"version":        d.Version,
	}, nil
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	d := &domain.Deployment{
		ID:            row.ID,
		EnvironmentID: row.EnvironmentID,
		StackID:       row.StackID,
		StackName:     row.StackName,
		StackVersion:  row.StackVersion,
		DeployedBy:    row.DeployedBy,
		Status:        domain.DeploymentStatus(row.Status),
		ErrorMessage:  row.ErrorMessage,
		Version:       row.Version,
	}

	if err := unmarshalJSON(row.Services, &d.Services); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse services", ErrInvalidData)
	}
	if err := unmarshalJSON(row.Phases, &d.Phases); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse phases", ErrInvalidData)
	}
	if err := unmarshalJSON(row.Variables, &d.Variables); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse variables", ErrInvalidData)
	}
	if err := unmarshalJSON(row.Settings, &d.Settings); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse settings", ErrInvalidData)
	}

	var err error
	if d.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse created_at", ErrInvalidData)
	}
	if d.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse updated_at", ErrInvalidData)
	}
	if d.CompletedAt, err = parseTimePtr(row.CompletedAt); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse completed_at", ErrInvalidData)
	}
	return d, nil
}

// =============================================================================
// Deployment Operations
// =============================================================================

func createDeployment(ctx context.Context, exec executor, d *domain.Deployment) error {
	row, err := deploymentToMap("CreateDeployment", d)
	if err != nil {
		return err
	}

	query := `INSERT INTO deployments (` + deploymentColumns + `) VALUES (
		:id, :environment_id, :stack_id, :stack_name, :stack_version, :deployed_by,
		:status, :services, :phases, :variables, :settings, :error_message,
		:created_at, :updated_at, :completed_at, :version)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return insertError("CreateDeployment", "deployment", d.ID, err)
	}
	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	var row deploymentRow
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`
	if err := exec.GetContext(ctx, &row, query, id); err != nil {
		return nil, selectError("GetDeployment", "deployment", id, err)
	}
	return rowToDeployment(&row)
}

func getActiveDeployment(ctx context.Context, exec executor, environmentID, stackName string) (*domain.Deployment, error) {
	var row deploymentRow
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE environment_id = ? AND stack_name = ? AND status <> ?`
	if err := exec.GetContext(ctx, &row, query, environmentID, stackName, string(domain.StatusRemoved)); err != nil {
		return nil, selectError("GetActiveDeployment", "deployment", environmentID+"/"+stackName, err)
	}
	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, d *domain.Deployment) error {
	row, err := deploymentToMap("UpdateDeployment", d)
	if err != nil {
		return err
	}

	query := `UPDATE deployments SET
		stack_id = :stack_id, stack_version = :stack_version, deployed_by = :deployed_by,
		status = :status, services = :services, phases = :phases, variables = :variables,
		settings = :settings, error_message = :error_message, updated_at = :updated_at,
		completed_at = :completed_at, version = version + 1
		WHERE id = :id AND version = :version`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return insertError("UpdateDeployment", "deployment", d.ID, err)
	}
	if err := checkVersioned(ctx, exec, result, "UpdateDeployment", "deployments", "deployment", d.ID); err != nil {
		return err
	}
	d.Version++
	return nil
}

func listActiveDeployments(ctx context.Context, exec executor, environmentID string) ([]*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE status <> ?`
	args := []any{string(domain.StatusRemoved)}
	if environmentID != "" {
		query += ` AND environment_id = ?`
		args = append(args, environmentID)
	}
	query += ` ORDER BY created_at, id`

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListActiveDeployments", "deployment", "", err.Error(), err)
	}

	out := make([]*domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// =============================================================================
// Product Deployment Rows
// =============================================================================

type productDeploymentRow struct {
	ID              string  `db:"id"`
	EnvironmentID   string  `db:"environment_id"`
	ProductGroupID  string  `db:"product_group_id"`
	ProductID       string  `db:"product_id"`
	ProductVersion  string  `db:"product_version"`
	DeployedBy      string  `db:"deployed_by"`
	Status          string  `db:"status"`
	SharedVariables *string `db:"shared_variables"`
	Phases          *string `db:"phases"`
	ErrorMessage    string  `db:"error_message"`
	PreviousVersion string  `db:"previous_version"`
	UpgradeCount    int     `db:"upgrade_count"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
	CompletedAt     *string `db:"completed_at"`
	Version         int     `db:"version"`
}

type productStackRow struct {
	ID                  string  `db:"id"`
	ProductDeploymentID string  `db:"product_deployment_id"`
	StackName           string  `db:"stack_name"`
	StackDisplayName    string  `db:"stack_display_name"`
	StackID             string  `db:"stack_id"`
	StackVersion        string  `db:"stack_version"`
	DeploymentID        string  `db:"deployment_id"`
	Order               int     `db:"stack_order"`
	Status              string  `db:"status"`
	ServiceCount        int     `db:"service_count"`
	Variables           *string `db:"variables"`
	Obsolete            bool    `db:"obsolete"`
	StartedAt           *string `db:"started_at"`
	CompletedAt         *string `db:"completed_at"`
	ErrorMessage        string  `db:"error_message"`
}

const productColumns = `id, environment_id, product_group_id, product_id, product_version,
	deployed_by, status, shared_variables, phases, error_message, previous_version,
	upgrade_count, created_at, updated_at, completed_at, version`

const productStackColumns = `id, product_deployment_id, stack_name, stack_display_name,
	stack_id, stack_version, deployment_id, stack_order, status, service_count,
	variables, obsolete, started_at, completed_at, error_message`

func productToMap(op string, pd *domain.ProductDeployment) (map[string]any, error) {
	shared, err := marshalJSON(pd.SharedVariables)
	if err != nil {
		return nil, NewStoreError(op, "product deployment", pd.ID, "failed to serialize shared variables", ErrInvalidData)
	}
	phases, err := marshalJSON(pd.Phases)
	if err != nil {
		return nil, NewStoreError(op, "product deployment", pd.ID, "failed to serialize phases", ErrInvalidData)
	}

	return map[string]any{
		"id":               pd.ID,
		"environment_id":   pd.EnvironmentID,
		"product_group_id": pd.ProductGroupID,
		"product_id":       pd.ProductID,
		"product_version":  pd.ProductVersion,
		"deployed_by":      pd.DeployedBy,
		"status":           string(pd.Status),
		"shared_variables": shared,
		"phases":           phases,
		"error_message":    pd.ErrorMessage,
		"previous_version": pd.PreviousVersion,
		"upgrade_count":    pd.UpgradeCount,
		"created_at":       formatTime(pd.CreatedAt),
		"updated_at":       formatTime(pd.UpdatedAt),
		"completed_at":     formatTimePtr(pd.CompletedAt),
		"version":          pd.Version,
	}, nil
}

func stackToMap(pd *domain.ProductDeployment, s *domain.ProductStackDeployment) (map[string]any, error) {
	variables, err := marshalJSON(s.Variables)
	if err != nil {
		return nil, NewStoreError("saveStacks", "product stack", s.ID, "failed to serialize variables", ErrInvalidData)
	}
	return map[string]any{
		"id":                    s.ID,
		"product_deployment_id": pd.ID,
		"stack_name":            s.StackName,
		"stack_display_name":    s.StackDisplayName,
		"stack_id":              s.StackID,
		"stack_version":         s.StackVersion,
		"deployment_id":         s.DeploymentID,
		"stack_order":           s.Order,
		"status":                string(s.Status),
		"service_count":         s.ServiceCount,
		"variables":             variables,
		"obsolete":              s.Obsolete,
		"started_at":            formatTimePtr(s.StartedAt),
		"completed_at":          formatTimePtr(s.CompletedAt),
		"error_message":         s.ErrorMessage,
	}, nil
}

func rowToProduct(row *productDeploymentRow, stacks []productStackRow) (*domain.ProductDeployment, error) {
	pd := &domain.ProductDeployment{
		ID:              row.ID,
		EnvironmentID:   row.EnvironmentID,
		ProductGroupID:  row.ProductGroupID,
		ProductID:       row.ProductID,
		ProductVersion:  row.ProductVersion,
		DeployedBy:      row.DeployedBy,
		Status:          domain.ProductStatus(row.Status),
		ErrorMessage:    row.ErrorMessage,
		PreviousVersion: row.PreviousVersion,
		UpgradeCount:    row.UpgradeCount,
		Version:         row.Version,
	}

	if err := unmarshalJSON(row.SharedVariables, &pd.SharedVariables); err != nil {
		return nil, NewStoreError("rowToProduct", "product deployment", row.ID, "failed to parse shared variables", ErrInvalidData)
	}
	if err := unmarshalJSON(row.Phases, &pd.Phases); err != nil {
		return nil, NewStoreError("rowToProduct", "product deployment", row.ID, "failed to parse phases", ErrInvalidData)
	}

	var err error
	if pd.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product deployment", row.ID, "failed to parse created_at", ErrInvalidData)
	}
	if pd.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product deployment", row.ID, "failed to parse updated_at", ErrInvalidData)
	}
	if pd.CompletedAt, err = parseTimePtr(row.CompletedAt); err != nil {
		return nil, NewStoreError("rowToProduct", "product deployment", row.ID, "failed to parse completed_at", ErrInvalidData)
	}

	pd.Stacks = make([]*domain.ProductStackDeployment, 0, len(stacks))
	for i := range stacks {
		s, err := rowToStack(&stacks[i])
		if err != nil {
			return nil, err
		}
		pd.Stacks = append(pd.Stacks, s)
	}
	return pd, nil
}

func rowToStack(row *productStackRow) (*domain.ProductStackDeployment, error) {
	s := &domain.ProductStackDeployment{
		ID:               row.ID,
		StackName:        row.StackName,
		StackDisplayName: row.StackDisplayName,
		StackID:          row.StackID,
		StackVersion:     row.StackVersion,
		DeploymentID:     row.DeploymentID,
		Order:            row.Order,
		Status:           domain.StackStatus(row.Status),
		ServiceCount:     row.ServiceCount,
		Obsolete:         row.Obsolete,
		ErrorMessage:     row.ErrorMessage,
	}
	if err := unmarshalJSON(row.Variables, &s.Variables); err != nil {
		return nil, NewStoreError("rowToStack", "product stack", row.ID, "failed to parse variables", ErrInvalidData)
	}
	var err error
	if s.StartedAt, err = parseTimePtr(row.StartedAt); err != nil {
		return nil, NewStoreError("rowToStack", "product stack", row.ID, "failed to parse started_at", ErrInvalidData)
	}
	if s.CompletedAt, err = parseTimePtr(row.CompletedAt); err != nil {
		return nil, NewStoreError("rowToStack", "product stack", row.ID, "failed to parse completed_at", ErrInvalidData)
	}
	return s, nil
}

// =============================================================================
// Product Deployment Operations
// =============================================================================

func createProductDeployment(ctx context.Context, exec executor, pd *domain.ProductDeployment) error {
	row, err := productToMap("CreateProductDeployment", pd)
	if err != nil {
		return err
	}

	query := `INSERT INTO product_deployments (` + productColumns + `) VALUES (
		:id, :environment_id, :product_group_id, :product_id, :product_version,
		:deployed_by, :status, :shared_variables, :phases, :error_message, :previous_version,
		:upgrade_count, :created_at, :updated_at, :completed_at, :version)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return insertError("CreateProductDeployment", "product deployment", pd.ID, err)
	}
	return saveStacks(ctx, exec, pd)
}

func getProductDeployment(ctx context.Context, exec executor, id string) (*domain.ProductDeployment, error) {
	var row productDeploymentRow
	query := `SELECT ` + productColumns + ` FROM product_deployments WHERE id = ?`
	if err := exec.GetContext(ctx, &row, query, id); err != nil {
		return nil, selectError("GetProductDeployment", "product deployment", id, err)
	}
	return loadStacks(ctx, exec, &row)
}

func getActiveProductDeployment(ctx context.Context, exec executor, environmentID, productGroupID string) (*domain.ProductDeployment, error) {
	var row productDeploymentRow
	query := `SELECT ` + productColumns + ` FROM product_deployments
		WHERE environment_id = ? AND product_group_id = ? AND status <> ?`
	err := exec.GetContext(ctx, &row, query, environmentID, productGroupID, string(domain.ProductRemoved))
	if err != nil {
		return nil, selectError("GetActiveProductDeployment", "product deployment", environmentID+"/"+productGroupID, err)
	}
	return loadStacks(ctx, exec, &row)
}

// updateProductDeployment must run inside a transaction: the stack rows are
// replaced wholesale after the versioned parent update.
func updateProductDeployment(ctx context.Context, exec executor, pd *domain.ProductDeployment) error {
	row, err := productToMap("UpdateProductDeployment", pd)
	if err != nil {
		return err
	}

	query := `UPDATE product_deployments SET
		product_id = :product_id, product_version = :product_version, deployed_by = :deployed_by,
		status = :status, shared_variables = :shared_variables, phases = :phases,
		error_message = :error_message, previous_version = :previous_version,
		upgrade_count = :upgrade_count, updated_at = :updated_at, completed_at = :completed_at,
		version = version + 1
		WHERE id = :id AND version = :version`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return insertError("UpdateProductDeployment", "product deployment", pd.ID, err)
	}
	if err := checkVersioned(ctx, exec, result, "UpdateProductDeployment", "product_deployments", "product deployment", pd.ID); err != nil {
		return err
	}

	if _, err := exec.ExecContext(ctx, `DELETE FROM product_stack_deployments WHERE product_deployment_id = ?`, pd.ID); err != nil {
		return NewStoreError("UpdateProductDeployment", "product deployment", pd.ID, "failed to clear stacks", err)
	}
	if err := saveStacks(ctx, exec, pd); err != nil {
		return err
	}
	pd.Version++
	return nil
}

func listActiveProductDeployments(ctx context.Context, exec executor, productGroupID string) ([]*domain.ProductDeployment, error) {
	query := `SELECT ` + productColumns + ` FROM product_deployments WHERE status <> ?`
	args := []any{string(domain.ProductRemoved)}
	if productGroupID != "" {
		query += ` AND product_group_id = ?`
		args = append(args, productGroupID)
	}
	query += ` ORDER BY created_at, id`

	var rows []productDeploymentRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListActiveProductDeployments", "product deployment", "", err.Error(), err)
	}

	out := make([]*domain.ProductDeployment, 0, len(rows))
	for i := range rows {
		pd, err := loadStacks(ctx, exec, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, pd)
	}
	return out, nil
}

func saveStacks(ctx context.Context, exec executor, pd *domain.ProductDeployment) error {
	query := `INSERT INTO product_stack_deployments (` + productStackColumns + `) VALUES (
		:id, :product_deployment_id, :stack_name, :stack_display_name,
		:stack_id, :stack_version, :deployment_id, :stack_order, :status, :service_count,
		:variables, :obsolete, :started_at, :completed_at, :error_message)`

	for _, s := range pd.Stacks {
		row, err := stackToMap(pd, s)
		if err != nil {
			return err
		}
		if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
			return insertError("saveStacks", "product stack", s.StackName, err)
		}
	}
	return nil
}

func loadStacks(ctx context.Context, exec executor, row *productDeploymentRow) (*domain.ProductDeployment, error) {
	var stacks []productStackRow
	query := `SELECT ` + productStackColumns + ` FROM product_stack_deployments
		WHERE product_deployment_id = ? ORDER BY stack_order, stack_name`
	if err := exec.SelectContext(ctx, &stacks, query, row.ID); err != nil {
		return nil, NewStoreError("loadStacks", "product deployment", row.ID, err.Error(), err)
	}
	return rowToProduct(row, stacks)
}

// =============================================================================
// Helpers
// =============================================================================

// checkVersioned turns a zero-row versioned update into ErrNotFound or
// ErrVersionConflict.
func checkVersioned(ctx context.Context, exec executor, result sql.Result, op, table, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return NewStoreError(op, entity, id, err.Error(), err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := exec.GetContext(ctx, &count, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id); err != nil {
		return NewStoreError(op, entity, id, err.Error(), err)
	}
	if count == 0 {
		return NewStoreError(op, entity, id, "not found", ErrNotFound)
	}
	return NewStoreError(op, entity, id, "stale version", ErrVersionConflict)
}

func insertError(op, entity, id string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed") && strings.HasSuffix(msg, ".id"):
		return NewStoreError(op, entity, id, "duplicate id", ErrDuplicateID)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return NewStoreError(op, entity, id, "an active record already exists for this target", ErrActiveExists)
	default:
		return NewStoreError(op, entity, id, msg, err)
	}
}

func selectError(op, entity, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return NewStoreError(op, entity, id, "not found", ErrNotFound)
	}
	return NewStoreError(op, entity, id, err.Error(), err)
}

func marshalJSON(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalJSON(s *string, v any) error {
	if s == nil || *s == "" || *s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(*s), v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
