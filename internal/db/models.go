package db

import "time"

type Run struct {
	ID         string     `db:"id"`
	CreatedAt  time.Time  `db:"created_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Status     string     `db:"status"`
	Config     []byte     `db:"config"`
}

type Upload struct {
	ID        string    `db:"id"`
	RunID     string    `db:"run_id"`
	Kind      string    `db:"kind"`
	Step      int       `db:"step"`
	ObjectRef string    `db:"object_ref"`
	CreatedAt time.Time `db:"created_at"`
}

const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)
