package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conveyor/pkg/schema"
)

// SQLStore implements Store over database/sql. The dialect decides the
// driver, placeholder style and migration set.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	// eventMu serializes sequence allocation in AppendEvent.
	eventMu sync.Mutex
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// --- State Machines ---

func (s *SQLStore) SaveStateMachine(ctx context.Context, rec *StateMachineRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO state_machines (id, app_id, name, definition, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (app_id, id) DO UPDATE SET name = excluded.name, definition = excluded.definition`,
		rec.ID, rec.AppID, nullStr(rec.Name), string(def), rec.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLStore) GetStateMachine(ctx context.Context, appID, id string) (*StateMachineRecord, error) {
	rec := &StateMachineRecord{}
	var (
		name      sql.NullString
		defJSON   string
		createdAt int64
	)
	err := s.queryRow(ctx,
		`SELECT id, app_id, name, definition, created_at FROM state_machines WHERE app_id = ? AND id = ?`, appID, id,
	).Scan(&rec.ID, &rec.AppID, &name, &defJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("state machine", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return rec, nil
}

// --- Instances ---

const instanceColumns = `uuid, app_id, execution_uuid, execution_name, state_machine_id, child_state_machine_id,
	state_name, state_type, status, parent_instance_id, prev_instance_id, next_instance_id, clone_instance_id,
	notify_id, delegate_task_id, callback, is_rollback, context_elements, notify_elements, state_execution_map,
	state_execution_data_history, execution_event_advisors, start_ts, end_ts, expiry_ts, created_at, updated_at,
	pending_elements`

func (s *SQLStore) CreateInstance(ctx context.Context, inst *StateExecutionInstance) error {
	if inst.UUID == "" {
		inst.UUID = uuid.New().String()
	}
	now := time.Now().UTC()
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = now

	payload, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx,
		`INSERT INTO state_execution_instances (`+instanceColumns+`)
		 VALUES (`+placeholders(28)+`)`,
		inst.UUID, inst.AppID, inst.ExecutionUUID, nullStr(inst.ExecutionName), inst.StateMachineID,
		nullStr(inst.ChildStateMachineID), inst.StateName, nullStr(inst.StateType), string(inst.Status),
		nullStr(inst.ParentInstanceID), nullStr(inst.PrevInstanceID), nullStr(inst.NextInstanceID),
		nullStr(inst.CloneInstanceID), nullStr(inst.NotifyID), nullStr(inst.DelegateTaskID),
		nullStr(inst.Callback), boolInt(inst.Rollback),
		payload.contextElements, payload.notifyElements, payload.stateExecutionMap, payload.history, payload.advisors,
		nullMillis(inst.StartTs), nullMillis(inst.EndTs), nullMillis(inst.ExpiryTs),
		inst.CreatedAt.UnixMilli(), inst.UpdatedAt.UnixMilli(), payload.pendingElements,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, appID, id string) (*StateExecutionInstance, error) {
	row := s.queryRow(ctx,
		`SELECT `+instanceColumns+` FROM state_execution_instances WHERE app_id = ? AND uuid = ?`, appID, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("state execution instance", id)
	}
	return inst, err
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*StateExecutionInstance, error) {
	where, args := instanceWhere(filter)
	query := `SELECT ` + instanceColumns + ` FROM state_execution_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, uuid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StateExecutionInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateInstance(ctx context.Context, appID, id string, expected []schema.ExecutionStatus, update InstanceUpdate) (int64, error) {
	sets, setArgs, err := instanceSets(update)
	if err != nil {
		return 0, err
	}
	where := []string{"app_id = ?", "uuid = ?"}
	args := append(setArgs, appID, id)
	if len(expected) > 0 {
		where = append(where, "status IN ("+placeholders(len(expected))+")")
		args = append(args, statusArgs(expected)...)
	}

	res, err := s.exec(ctx,
		`UPDATE state_execution_instances SET `+strings.Join(sets, ", ")+` WHERE `+strings.Join(where, " AND "),
		args...)
	if err != nil {
		return 0, fmt.Errorf("update instance %s: %w", id, err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) UpdateInstances(ctx context.Context, filter InstanceFilter, expected []schema.ExecutionStatus, update InstanceUpdate) (int64, error) {
	sets, args, err := instanceSets(update)
	if err != nil {
		return 0, err
	}
	filter.Statuses = expected
	where, whereArgs := instanceWhere(filter)
	if len(where) == 0 {
		return 0, schema.NewError(schema.ErrCodeInvalidArgument, "bulk instance update requires a filter")
	}
	args = append(args, whereArgs...)

	res, err := s.exec(ctx,
		`UPDATE state_execution_instances SET `+strings.Join(sets, ", ")+` WHERE `+strings.Join(where, " AND "),
		args...)
	if err != nil {
		return 0, fmt.Errorf("bulk update instances: %w", err)
	}
	return res.RowsAffected()
}

func instanceWhere(filter InstanceFilter) ([]string, []any) {
	var where []string
	var args []any
	if filter.AppID != "" {
		where = append(where, "app_id = ?")
		args = append(args, filter.AppID)
	}
	if filter.ExecutionUUID != "" {
		where = append(where, "execution_uuid = ?")
		args = append(args, filter.ExecutionUUID)
	}
	if filter.ParentInstanceID != "" {
		where = append(where, "parent_instance_id = ?")
		args = append(args, filter.ParentInstanceID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, statusArgs(filter.Statuses)...)
	}
	if len(filter.ExcludeStateTypes) > 0 {
		where = append(where, "(state_type IS NULL OR state_type NOT IN ("+placeholders(len(filter.ExcludeStateTypes))+"))")
		for _, t := range filter.ExcludeStateTypes {
			args = append(args, t)
		}
	}
	if filter.NotStarted {
		where = append(where, "start_ts IS NULL")
	}
	if filter.ExpiredBefore != nil {
		where = append(where, "expiry_ts IS NOT NULL AND expiry_ts < ?")
		args = append(args, filter.ExpiredBefore.UnixMilli())
	}
	return where, args
}

func instanceSets(update InstanceUpdate) ([]string, []any, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StartTs != nil {
		sets = append(sets, "start_ts = ?")
		args = append(args, update.StartTs.UnixMilli())
	}
	if update.ClearEndTs {
		sets = append(sets, "end_ts = NULL")
	} else if update.EndTs != nil {
		sets = append(sets, "end_ts = ?")
		args = append(args, update.EndTs.UnixMilli())
	}
	if update.ExpiryTs != nil {
		sets = append(sets, "expiry_ts = ?")
		args = append(args, update.ExpiryTs.UnixMilli())
	}
	if update.NextInstanceID != nil {
		sets = append(sets, "next_instance_id = ?")
		args = append(args, nullStr(*update.NextInstanceID))
	}
	if update.DelegateTaskID != nil {
		sets = append(sets, "delegate_task_id = ?")
		args = append(args, nullStr(*update.DelegateTaskID))
	}
	jsonCols := []struct {
		col string
		val any
		set bool
	}{
		{"context_elements", update.ContextElements, update.ContextElements != nil},
		{"notify_elements", update.NotifyElements, update.NotifyElements != nil},
		{"pending_elements", update.PendingElements, update.PendingElements != nil},
		{"state_execution_map", update.StateExecutionMap, update.StateExecutionMap != nil},
		{"state_execution_data_history", update.StateExecutionDataHistory, update.StateExecutionDataHistory != nil},
	}
	for _, c := range jsonCols {
		if !c.set {
			continue
		}
		raw, err := json.Marshal(c.val)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal %s: %w", c.col, err)
		}
		sets = append(sets, c.col+" = ?")
		args = append(args, string(raw))
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().UnixMilli())
	return sets, args, nil
}

type instanceJSON struct {
	contextElements, notifyElements, pendingElements, stateExecutionMap, history, advisors any
}

func marshalInstanceJSON(inst *StateExecutionInstance) (instanceJSON, error) {
	var out instanceJSON
	var err error
	if out.contextElements, err = nullableJSONValue(inst.ContextElements); err != nil {
		return out, fmt.Errorf("marshal context_elements: %w", err)
	}
	if out.notifyElements, err = nullableJSONValue(inst.NotifyElements); err != nil {
		return out, fmt.Errorf("marshal notify_elements: %w", err)
	}
	if out.pendingElements, err = nullableJSONValue(inst.PendingElements); err != nil {
		return out, fmt.Errorf("marshal pending_elements: %w", err)
	}
	if out.stateExecutionMap, err = nullableJSONValue(inst.StateExecutionMap); err != nil {
		return out, fmt.Errorf("marshal state_execution_map: %w", err)
	}
	if out.history, err = nullableJSONValue(inst.StateExecutionDataHistory); err != nil {
		return out, fmt.Errorf("marshal state_execution_data_history: %w", err)
	}
	if out.advisors, err = nullableJSONValue(inst.ExecutionEventAdvisors); err != nil {
		return out, fmt.Errorf("marshal execution_event_advisors: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*StateExecutionInstance, error) {
	inst := &StateExecutionInstance{}
	var (
		execName, childID, stateType, parentID, prevID, nextID, cloneID sql.NullString
		notifyID, delegateID, callback                                  sql.NullString
		ctxElems, notifyElems, seMap, history, advisors, pendingElems   sql.NullString
		startTs, endTs, expiryTs                                        sql.NullInt64
		rollback                                                        int64
		status                                                          string
		createdAt, updatedAt                                            int64
	)
	if err := row.Scan(&inst.UUID, &inst.AppID, &inst.ExecutionUUID, &execName, &inst.StateMachineID, &childID,
		&inst.StateName, &stateType, &status, &parentID, &prevID, &nextID, &cloneID,
		&notifyID, &delegateID, &callback, &rollback, &ctxElems, &notifyElems, &seMap,
		&history, &advisors, &startTs, &endTs, &expiryTs, &createdAt, &updatedAt, &pendingElems); err != nil {
		return nil, err
	}
	inst.ExecutionName = execName.String
	inst.ChildStateMachineID = childID.String
	inst.StateType = stateType.String
	inst.Status = schema.ExecutionStatus(status)
	inst.ParentInstanceID = parentID.String
	inst.PrevInstanceID = prevID.String
	inst.NextInstanceID = nextID.String
	inst.CloneInstanceID = cloneID.String
	inst.NotifyID = notifyID.String
	inst.DelegateTaskID = delegateID.String
	inst.Callback = callback.String
	inst.Rollback = rollback != 0
	inst.StartTs = fromMillis(startTs)
	inst.EndTs = fromMillis(endTs)
	inst.ExpiryTs = fromMillis(expiryTs)
	inst.CreatedAt = time.UnixMilli(createdAt).UTC()
	inst.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	targets := []struct {
		col string
		raw sql.NullString
		dst any
	}{
		{"context_elements", ctxElems, &inst.ContextElements},
		{"notify_elements", notifyElems, &inst.NotifyElements},
		{"pending_elements", pendingElems, &inst.PendingElements},
		{"state_execution_map", seMap, &inst.StateExecutionMap},
		{"state_execution_data_history", history, &inst.StateExecutionDataHistory},
		{"execution_event_advisors", advisors, &inst.ExecutionEventAdvisors},
	}
	for _, t := range targets {
		if !t.raw.Valid || t.raw.String == "" || t.raw.String == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(t.raw.String), t.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", t.col, err)
		}
	}
	return inst, nil
}

// --- Interrupts ---

func (s *SQLStore) CreateInterrupt(ctx context.Context, in *ExecutionInterrupt) error {
	if in.UUID == "" {
		in.UUID = uuid.New().String()
	}
	in.CreatedAt = timeOrNow(in.CreatedAt)
	_, err := s.exec(ctx,
		`INSERT INTO execution_interrupts (uuid, app_id, execution_uuid, state_execution_instance_id, interrupt_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.UUID, in.AppID, in.ExecutionUUID, nullStr(in.StateExecutionInstanceID), string(in.Type), in.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLStore) ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*ExecutionInterrupt, error) {
	var where []string
	var args []any
	if filter.AppID != "" {
		where = append(where, "app_id = ?")
		args = append(args, filter.AppID)
	}
	if filter.ExecutionUUID != "" {
		where = append(where, "execution_uuid = ?")
		args = append(args, filter.ExecutionUUID)
	}
	if filter.StateExecutionInstanceID != "" {
		where = append(where, "state_execution_instance_id = ?")
		args = append(args, filter.StateExecutionInstanceID)
	}
	if len(filter.Types) > 0 {
		where = append(where, "interrupt_type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}

	query := `SELECT uuid, app_id, execution_uuid, state_execution_instance_id, interrupt_type, created_at FROM execution_interrupts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionInterrupt
	for rows.Next() {
		in := &ExecutionInterrupt{}
		var instanceID sql.NullString
		var typ string
		var createdAt int64
		if err := rows.Scan(&in.UUID, &in.AppID, &in.ExecutionUUID, &instanceID, &typ, &createdAt); err != nil {
			return nil, err
		}
		in.StateExecutionInstanceID = instanceID.String
		in.Type = schema.InterruptType(typ)
		in.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteInterrupt(ctx context.Context, appID, id string) error {
	res, err := s.exec(ctx, `DELETE FROM execution_interrupts WHERE app_id = ? AND uuid = ?`, appID, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "interrupt", id)
}

// --- Events ---

func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_uuid = ?`),
		event.ExecutionUUID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO execution_events (execution_uuid, instance_id, state_name, event_type, payload, emitted_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		event.ExecutionUUID, nullStr(event.InstanceID), nullStr(event.StateName), event.Type,
		nullRaw(event.Payload), event.Timestamp.UnixMilli(), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any
	if filter.ExecutionUUID != "" {
		where = append(where, "execution_uuid = ?")
		args = append(args, filter.ExecutionUUID)
	}
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Since > 0 {
		where = append(where, "sequence > ?")
		args = append(args, filter.Since)
	}

	query := `SELECT id, execution_uuid, instance_id, state_name, event_type, payload, emitted_at, sequence FROM execution_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var instanceID, stateName, payload sql.NullString
		var emittedAt int64
		if err := rows.Scan(&e.ID, &e.ExecutionUUID, &instanceID, &stateName, &e.Type, &payload, &emittedAt, &e.Sequence); err != nil {
			return nil, err
		}
		e.InstanceID = instanceID.String
		e.StateName = stateName.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = time.UnixMilli(emittedAt).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return string(raw), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func statusArgs(statuses []schema.ExecutionStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
