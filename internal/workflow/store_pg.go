// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-platform/pkg/errors"
)

// executionsSchema 执行记录表；nodeResults/executionOrder/input/output 以 JSONB 保存
const executionsSchema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id              TEXT PRIMARY KEY,
	workflow_id     TEXT NOT NULL,
	user_id         TEXT,
	status          TEXT NOT NULL,
	input           JSONB,
	output          JSONB,
	error           TEXT,
	node_results    JSONB NOT NULL DEFAULT '{}'::jsonb,
	execution_order JSONB NOT NULL DEFAULT '[]'::jsonb,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	duration_ms     BIGINT,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow ON workflow_executions (workflow_id, started_at DESC);
`

// PostgresExecutionStore Postgres 实现：workflow_executions 表
type PostgresExecutionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresExecutionStore 连接并确保表存在
func NewPostgresExecutionStore(ctx context.Context, dsn string) (*PostgresExecutionStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, executionsSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresExecutionStore{pool: pool}, nil
}

// Close 关闭连接池
func (s *PostgresExecutionStore) Close() {
	s.pool.Close()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// executionRow 序列化后的列值
type executionRow struct {
	input, output, nodeResults, order []byte
}

func encodeExecution(e *Execution) (executionRow, error) {
	var row executionRow
	var err error
	if row.input, err = json.Marshal(e.Input); err != nil {
		return row, err
	}
	if row.output, err = json.Marshal(e.Output); err != nil {
		return row, err
	}
	results := e.NodeResults
	if results == nil {
		results = map[string]*NodeResult{}
	}
	if row.nodeResults, err = json.Marshal(results); err != nil {
		return row, err
	}
	order := e.ExecutionOrder
	if order == nil {
		order = []string{}
	}
	row.order, err = json.Marshal(order)
	return row, err
}

func (s *PostgresExecutionStore) Create(ctx context.Context, exec *Execution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	row, err := encodeExecution(exec)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO workflow_executions
		(id, workflow_id, user_id, status, input, output, error, node_results, execution_order, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exec.ID, exec.WorkflowID, nullStr(exec.UserID), string(exec.Status), row.input, row.output, nullStr(exec.Error),
		row.nodeResults, row.order, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.Duration.Milliseconds())
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

func (s *PostgresExecutionStore) Update(ctx context.Context, exec *Execution) error {
	row, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE workflow_executions SET
		status = $2, output = $3, error = $4, node_results = $5, execution_order = $6,
		started_at = $7, completed_at = $8, duration_ms = $9, updated_at = now()
		WHERE id = $1`,
		exec.ID, string(exec.Status), row.output, nullStr(exec.Error), row.nodeResults, row.order,
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.Duration.Milliseconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("execution", exec.ID)
	}
	return nil
}

const selectExecution = `SELECT id, workflow_id, user_id, status, input, output, error, node_results, execution_order,
	started_at, completed_at, duration_ms FROM workflow_executions`

func scanExecution(row pgx.Row) (*Execution, error) {
	var (
		e                                 Execution
		userID, errStr                    *string
		status                            string
		input, output, nodeResults, order []byte
		startedAt, completedAt            *time.Time
		durationMs                        *int64
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &userID, &status, &input, &output, &errStr,
		&nodeResults, &order, &startedAt, &completedAt, &durationMs); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if userID != nil {
		e.UserID = *userID
	}
	if errStr != nil {
		e.Error = *errStr
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &e.Input)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &e.Output)
	}
	e.NodeResults = make(map[string]*NodeResult)
	if len(nodeResults) > 0 {
		_ = json.Unmarshal(nodeResults, &e.NodeResults)
	}
	if len(order) > 0 {
		_ = json.Unmarshal(order, &e.ExecutionOrder)
	}
	if startedAt != nil {
		e.StartedAt = *startedAt
	}
	if completedAt != nil {
		e.CompletedAt = *completedAt
	}
	switch {
	case startedAt != nil && completedAt != nil:
		e.Duration = e.CompletedAt.Sub(e.StartedAt)
	case durationMs != nil:
		e.Duration = time.Duration(*durationMs) * time.Millisecond
	}
	return &e, nil
}

func (s *PostgresExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, selectExecution+` WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("execution", id)
	}
	return e, err
}

func (s *PostgresExecutionStore) List(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	q := selectExecution + ` WHERE ($1 = '' OR workflow_id = $1) ORDER BY started_at DESC NULLS LAST`
	args := []interface{}{workflowID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
