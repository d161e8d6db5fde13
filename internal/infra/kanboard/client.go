// Package kanboard adapts the domain Board port onto a Kanboard server
// speaking JSON-RPC 2.0 over HTTP with Basic auth.
package kanboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ktsuji/deckhand/internal/domain"
)

// Ensure Client implements domain.Board.
var _ domain.Board = (*Client)(nil)

// maxResponseBytes bounds how much of a board response is read.
const maxResponseBytes = 8 * 1024 * 1024

// Client is a Kanboard JSON-RPC client scoped to one project.
type Client struct {
	httpClient *http.Client
	log        domain.Logger
	url        string
	username   string
	password   string
	project    string
	retries    int

	mu        sync.Mutex
	projectID int
	columnIDs map[domain.Column]int
	nextReqID int
}

// New creates a Client. project is the Kanboard project name.
func New(cfg domain.BoardConfig, log domain.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		url:        cfg.URL,
		username:   cfg.Username,
		password:   cfg.Password,
		project:    cfg.Project,
		retries:    retries,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		columnIDs:  map[domain.Column]int{},
	}
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request with bounded retries. Network errors
// and 5xx responses are retried; JSON-RPC errors and other 4xx are not.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		lastErr = c.callOnce(ctx, method, params, out)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if c.log != nil {
			c.log.Warn(0, "board", fmt.Sprintf("%s attempt %d failed: %v", method, attempt+1, lastErr))
		}
	}
	return lastErr
}

func (c *Client) callOnce(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	c.nextReqID++
	reqID := c.nextReqID
	c.mu.Unlock()

	envelope := map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  method,
	}
	if params != nil {
		envelope["params"] = params
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBoardUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrBoardUnavailable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: http %d", domain.ErrBoardUnavailable, method, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s: http %d", domain.ErrBoardConflict, method, resp.StatusCode)
	}

	var payload rpcResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return fmt.Errorf("%w: %s: malformed response: %v", domain.ErrBoardUnavailable, method, err)
	}
	if payload.Error != nil {
		return fmt.Errorf("%w: %s: rpc %d: %s", domain.ErrBoardConflict, method, payload.Error.Code, payload.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(payload.Result, out); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", domain.ErrBoardUnavailable, method, err)
		}
	}
	return nil
}

func isRetryable(err error) bool {
	return err != nil && !errors.Is(err, domain.ErrBoardConflict)
}

// projectIDLocked resolves and caches the project id.
func (c *Client) projectIDLocked(ctx context.Context) (int, error) {
	c.mu.Lock()
	cached := c.projectID
	c.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}

	var project struct {
		ID flexInt `json:"id"`
	}
	if err := c.call(ctx, "getProjectByName", map[string]any{"name": c.project}, &project); err != nil {
		return 0, err
	}
	if project.ID == 0 {
		return 0, fmt.Errorf("%w: project %q not found", domain.ErrBoardConflict, c.project)
	}
	c.mu.Lock()
	c.projectID = int(project.ID)
	c.mu.Unlock()
	return int(project.ID), nil
}

// boardSwimlane mirrors the relevant parts of Kanboard's getBoard result.
type boardSwimlane struct {
	Name    string        `json:"name"`
	Columns []boardColumn `json:"columns"`
	ID      flexInt       `json:"id"`
}

type boardColumn struct {
	Title string      `json:"title"`
	Tasks []boardTask `json:"tasks"`
	ID    flexInt     `json:"id"`
}

type boardTask struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Tags        map[string]flexInt `json:"tags"`
	ID          flexInt            `json:"id"`
	Position    flexInt            `json:"position"`
}

// Snapshot reads the whole board in one getBoard call. The first swimlane's
// columns are canonical for the column id mapping used by moves.
func (c *Client) Snapshot(ctx context.Context) (*domain.BoardSnapshot, error) {
	pid, err := c.projectIDLocked(ctx)
	if err != nil {
		return nil, err
	}

	var swimlanes []boardSwimlane
	if err := c.call(ctx, "getBoard", map[string]any{"project_id": pid}, &swimlanes); err != nil {
		return nil, err
	}
	if len(swimlanes) == 0 {
		return nil, fmt.Errorf("%w: board has no swimlanes", domain.ErrBoardConflict)
	}

	snapshot := &domain.BoardSnapshot{}
	columnIDs := map[domain.Column]int{}
	for _, col := range swimlanes[0].Columns {
		column := domain.Column(col.Title)
		snapshot.Columns = append(snapshot.Columns, column)
		columnIDs[column] = int(col.ID)
	}
	for _, sl := range swimlanes {
		snapshot.Swimlanes = append(snapshot.Swimlanes, sl.Name)
		for _, col := range sl.Columns {
			for _, bt := range col.Tasks {
				task := &domain.Task{
					ID:          int(bt.ID),
					Title:       bt.Title,
					Description: bt.Description,
					Column:      domain.Column(col.Title),
					Position:    int(bt.Position),
					Swimlane:    sl.Name,
				}
				for tag := range bt.Tags {
					task.Tags = append(task.Tags, tag)
				}
				sort.Strings(task.Tags)
				snapshot.Tasks = append(snapshot.Tasks, task)
			}
		}
	}

	c.mu.Lock()
	c.columnIDs = columnIDs
	c.mu.Unlock()
	return snapshot, nil
}

// taskDetail mirrors Kanboard's getTask result.
type taskDetail struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ID          flexInt `json:"id"`
	ColumnID    flexInt `json:"column_id"`
	Position    flexInt `json:"position"`
}

// GetTask fetches a single task plus its tags.
func (c *Client) GetTask(ctx context.Context, id int) (*domain.Task, error) {
	var detail taskDetail
	if err := c.call(ctx, "getTask", map[string]any{"task_id": id}, &detail); err != nil {
		return nil, err
	}
	if detail.ID == 0 {
		return nil, fmt.Errorf("%w: task %d", domain.ErrTaskNotFound, id)
	}
	tags, err := c.taskTags(ctx, id)
	if err != nil {
		return nil, err
	}
	task := &domain.Task{
		ID:          int(detail.ID),
		Title:       detail.Title,
		Description: detail.Description,
		Position:    int(detail.Position),
		Tags:        tags,
	}
	c.mu.Lock()
	for col, cid := range c.columnIDs {
		if cid == int(detail.ColumnID) {
			task.Column = col
		}
	}
	c.mu.Unlock()
	return task, nil
}

func (c *Client) taskTags(ctx context.Context, id int) ([]string, error) {
	var raw map[string]string
	if err := c.call(ctx, "getTaskTags", map[string]any{"task_id": id}, &raw); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

// columnID resolves a column title from the snapshot cache.
func (c *Client) columnID(column domain.Column) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.columnIDs[column]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrColumnMissing, column)
	}
	return id, nil
}

// MoveTask moves a task to the given column. Position <= 0 is sent as
// position 1, the top of the column.
func (c *Client) MoveTask(ctx context.Context, id int, column domain.Column, position int) error {
	pid, err := c.projectIDLocked(ctx)
	if err != nil {
		return err
	}
	colID, err := c.columnID(column)
	if err != nil {
		return err
	}
	if position <= 0 {
		position = 1
	}
	var ok bool
	return c.call(ctx, "moveTaskPosition", map[string]any{
		"project_id":  pid,
		"task_id":     id,
		"column_id":   colID,
		"position":    position,
		"swimlane_id": 1,
	}, &ok)
}

// SetPosition reorders a task within its current column.
func (c *Client) SetPosition(ctx context.Context, id, position int) error {
	task, err := c.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if position <= 0 {
		position = 1
	}
	return c.MoveTask(ctx, id, task.Column, position)
}

// AddTag adds a tag by converging the tag set.
func (c *Client) AddTag(ctx context.Context, id int, tag string) error {
	tags, err := c.taskTags(ctx, id)
	if err != nil {
		return err
	}
	if domain.HasTag(tags, tag) {
		return nil
	}
	return c.SetTags(ctx, id, append(tags, tag))
}

// RemoveTag removes a tag by converging the tag set.
func (c *Client) RemoveTag(ctx context.Context, id int, tag string) error {
	tags, err := c.taskTags(ctx, id)
	if err != nil {
		return err
	}
	kept := tags[:0]
	for _, t := range tags {
		if !domain.HasTag([]string{tag}, t) {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(tags) {
		return nil
	}
	return c.SetTags(ctx, id, kept)
}

// SetTags replaces the task's tag set.
func (c *Client) SetTags(ctx context.Context, id int, tags []string) error {
	pid, err := c.projectIDLocked(ctx)
	if err != nil {
		return err
	}
	if tags == nil {
		tags = []string{}
	}
	var ok bool
	return c.call(ctx, "setTaskTags", map[string]any{
		"project_id": pid,
		"task_id":    id,
		"tags":       tags,
	}, &ok)
}

// PostComment attaches a markdown comment.
func (c *Client) PostComment(ctx context.Context, id int, markdown string) error {
	var commentID flexInt
	return c.call(ctx, "createComment", map[string]any{
		"task_id": id,
		"user_id": 1,
		"content": markdown,
	}, &commentID)
}

// CreateTask creates a task in the given column and returns its id.
func (c *Client) CreateTask(ctx context.Context, column domain.Column, title, description string, tags []string) (int, error) {
	pid, err := c.projectIDLocked(ctx)
	if err != nil {
		return 0, err
	}
	colID, err := c.columnID(column)
	if err != nil {
		return 0, err
	}
	params := map[string]any{
		"project_id":  pid,
		"title":       title,
		"description": description,
		"column_id":   colID,
	}
	if len(tags) > 0 {
		params["tags"] = tags
	}
	var taskID flexInt
	if err := c.call(ctx, "createTask", params, &taskID); err != nil {
		return 0, err
	}
	return int(taskID), nil
}

// flexInt tolerates Kanboard returning numbers as strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" || s == "false" {
		*f = 0
		return nil
	}
	if s == "true" {
		*f = 1
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Positions occasionally arrive as floats.
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		*f = flexInt(int(fl))
		return nil
	}
	*f = flexInt(n)
	return nil
}
