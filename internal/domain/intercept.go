package domain

import (
	"context"
	"time"
)

// Direction はインターセプトされたメッセージの方向.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// InterceptState はインターセプトの解決状態.
type InterceptState string

const (
	InterceptPending   InterceptState = "pending"
	InterceptForwarded InterceptState = "forwarded"
	InterceptDropped   InterceptState = "dropped"
	InterceptEdited    InterceptState = "edited-and-forwarded"
)

// Terminal は解決済みの状態かを返す.
func (s InterceptState) Terminal() bool {
	return s != InterceptPending
}

// InterceptedMessage はオペレーターの判断待ちのメッセージ.
type InterceptedMessage struct {
	ID         string         `json:"id"`
	Seq        uint64         `json:"seq"`
	ExchangeID string         `json:"exchange_id"`
	ConnID     string         `json:"conn_id"`
	Direction  Direction      `json:"direction"`
	Request    *Request       `json:"request,omitempty"`
	Response   *Response      `json:"response,omitempty"`
	Raw        []byte         `json:"raw"`
	ArrivedAt  time.Time      `json:"arrived_at"`
	Deadline   time.Time      `json:"deadline"`
	State      InterceptState `json:"state"`
	TimedOut   bool           `json:"timed_out,omitempty"`
}

// Action はオペレーターの操作.
type Action struct {
	Drop bool
	// Edited は編集後のワイヤ表現. nilなら元のまま転送する.
	Edited []byte
}

// Decision はキューが返す最終結果.
type Decision struct {
	State    InterceptState
	Request  *Request
	Response *Response
	TimedOut bool
}

// InterceptTicket はキューへの投入内容.
type InterceptTicket struct {
	ExchangeID string
	ConnID     string
	Direction  Direction
	Request    *Request
	Response   *Response
}

// InterceptQueue はインターセプトキューのインターフェース.
type InterceptQueue interface {
	Enabled() bool
	SetEnabled(on bool)
	Submit(ctx context.Context, t InterceptTicket) (Decision, error)
	Pending() []InterceptedMessage
	Resolve(id string, action Action) error
}
