package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle threaded through repository calls. The
// concrete type is infra-defined (pgx.Tx for Postgres); repositories must
// gracefully accept nil for the non-transactional path.
type Tx interface{}

var NoTX Tx

// TransactionManager executes a function within a database transaction,
// passing the handle via `tx`. Keeps use-case signatures free of storage
// types while letting repositories run tx-bound statements.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
