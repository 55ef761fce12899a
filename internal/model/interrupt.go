package model

import "time"

type InterruptKind string

const (
	InterruptSlot InterruptKind = "slot"
	InterruptPlan InterruptKind = "plan"
)

// PendingInterrupt 等待结构化回复的追问，按手机号存在 redis
type PendingInterrupt struct {
	Kind      InterruptKind `json:"kind"`
	Value     string        `json:"value"`
	Display   string        `json:"display"`
	CreatedAt time.Time     `json:"created_at"`
}
