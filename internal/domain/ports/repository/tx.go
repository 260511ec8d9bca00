package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle. The concrete type is infra-defined
// (pgx.Tx for Postgres); repository helpers accept nil for the
// non-transactional path.
type Tx interface{}

// TransactionManager executes a function inside a storage transaction.
// The job store uses it to make compare-and-update atomic: read with a row
// lock, validate, write, commit.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
