package updates

import (
	"encoding/json"

	"github.com/danmuck/tdcore/internal/protocol/session"
	"github.com/danmuck/tdcore/internal/store"
)

// Method names served by the backend for state recovery.
const (
	MethodGetState      = "updates.getState"
	MethodGetDifference = "updates.getDifference"
)

// StateBody is the JSON form of a stream position.
type StateBody struct {
	Seq  uint64 `json:"seq"`
	Date uint64 `json:"date"`
}

func (s StateBody) State() store.UpdateState {
	return store.UpdateState{Seq: s.Seq, DateMS: s.Date}
}

func StateBodyOf(st store.UpdateState) StateBody {
	return StateBody{Seq: st.Seq, Date: st.DateMS}
}

// UpdateBody is the JSON form of one update inside a difference.
type UpdateBody struct {
	Seq   uint64 `json:"seq"`
	Count uint32 `json:"count"`
	Kind  string `json:"kind"`
	Body  []byte `json:"body"`
	Date  uint64 `json:"date"`
}

func UpdateBodyOf(u session.Update) UpdateBody {
	return UpdateBody{Seq: u.Seq, Count: u.Count, Kind: u.Kind, Body: u.Body, Date: u.TimestampMS}
}

func (u UpdateBody) Update() session.Update {
	return session.Update{Seq: u.Seq, Count: u.Count, Kind: u.Kind, Body: u.Body, TimestampMS: u.Date}
}

// DifferenceBody answers updates.getDifference. Updates are ordered by Seq.
type DifferenceBody struct {
	Updates []UpdateBody `json:"updates"`
	State   StateBody    `json:"state"`
	// TooLong is set when the log no longer covers the requested position.
	TooLong bool `json:"too_long,omitempty"`
}

// Difference is the decoded form handed to the demux.
type Difference struct {
	Updates []session.Update
	State   store.UpdateState
	TooLong bool
}

func DecodeDifference(b []byte) (Difference, error) {
	var body DifferenceBody
	if err := json.Unmarshal(b, &body); err != nil {
		return Difference{}, err
	}
	diff := Difference{State: body.State.State(), TooLong: body.TooLong}
	for _, u := range body.Updates {
		diff.Updates = append(diff.Updates, u.Update())
	}
	return diff, nil
}
