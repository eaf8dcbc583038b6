package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"relay-service/internal/apperr"
	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/protocol"
	"relay-service/internal/repositories"
	"relay-service/internal/ws"
)

// End reasons recorded on terminal calls.
const (
	ReasonHangup       = "hangup"
	ReasonUnavailable  = "unavailable"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
	ReasonEmpty        = "empty"
)

// Auditor records call lifecycle transitions.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID int)
}

type noopAuditor struct{}

func (noopAuditor) Emit(context.Context, string, string, string, int) {}

// Engine applies call transitions through the store and fans signaling out over the hub.
// The store is authoritative for call state; the engine only remembers which
// group members are still deciding and which calls each user takes part in.
type Engine struct {
	hub    *ws.Hub
	calls  repositories.CallRepository
	groups repositories.GroupRepository
	ice    *ICEProvider
	audit  Auditor
	now    func() time.Time

	mu sync.Mutex
	// pending holds group invitees who have neither accepted nor declined.
	pending map[string]map[int]struct{}
	// active maps a user to the rooms of calls they started or joined.
	active map[int]map[string]struct{}
}

func NewEngine(hub *ws.Hub, calls repositories.CallRepository, groups repositories.GroupRepository, ice *ICEProvider, audit Auditor) *Engine {
	if audit == nil {
		audit = noopAuditor{}
	}
	return &Engine{
		hub:     hub,
		calls:   calls,
		groups:  groups,
		ice:     ice,
		audit:   audit,
		now:     time.Now,
		pending: make(map[string]map[int]struct{}),
		active:  make(map[int]map[string]struct{}),
	}
}

// Initiate persists a ringing call and rings every online invitee. When nobody
// can be reached the call is missed immediately and only the caller is told.
func (e *Engine) Initiate(ctx context.Context, c *ws.Client, req protocol.CallInitiate) (models.Call, error) {
	callerID := c.UserID()
	if req.RecipientID == callerID {
		return models.Call{}, apperr.Wrap(apperr.ErrValidation, "cannot call yourself")
	}
	room := req.RoomName
	if room == "" {
		room = ulid.Make().String()
	}

	var invitees []int
	call := models.Call{
		RoomName:    room,
		InitiatorID: callerID,
		Type:        req.CallType,
		State:       models.CallRinging,
		Offer:       string(req.Offer),
		CreatedAt:   e.now(),
	}
	if req.GroupID > 0 {
		ok, err := e.groups.IsMember(ctx, req.GroupID, callerID)
		if err != nil {
			return models.Call{}, apperr.WithCause(apperr.ErrUnavailable, err)
		}
		if !ok {
			return models.Call{}, apperr.Wrap(apperr.ErrUnauthorized, "not a member of group %d", req.GroupID)
		}
		members, err := e.groups.MemberIDs(ctx, req.GroupID)
		if err != nil {
			return models.Call{}, apperr.WithCause(apperr.ErrUnavailable, err)
		}
		invitees = exclude(members, callerID)
		groupID := req.GroupID
		call.GroupID = &groupID
	} else {
		recipientID := req.RecipientID
		call.ParticipantID = &recipientID
		invitees = []int{recipientID}
	}

	created, err := e.calls.CreateCall(ctx, call)
	if err != nil {
		return models.Call{}, storeError(err, room)
	}
	e.transitioned(ctx, created, callerID)

	var online []int
	for _, id := range invitees {
		if e.hub.IsOnline(id) {
			online = append(online, id)
		}
	}
	if len(online) == 0 {
		missed, err := e.calls.UpdateCallState(ctx, room, sourcesFor(models.CallMissed), models.CallUpdate{
			State:     models.CallMissed,
			EndedAt:   e.timestamp(),
			EndReason: ReasonUnavailable,
		})
		if err != nil {
			return created, storeError(err, room)
		}
		e.transitioned(ctx, missed, callerID)
		e.hub.SendToUser(callerID, protocol.EventCallMissed, protocol.CallMissed{
			RoomName: room,
			CallerID: callerID,
			Reason:   ReasonUnavailable,
		})
		return missed, nil
	}

	e.hub.Join(c, models.CallRoom(room))
	e.track(callerID, room)
	if created.IsGroup() {
		e.mu.Lock()
		set := make(map[int]struct{}, len(online))
		for _, id := range online {
			set[id] = struct{}{}
		}
		e.pending[room] = set
		e.mu.Unlock()
	}
	for _, id := range online {
		e.hub.SendToUser(id, protocol.EventCallIncoming, protocol.CallIncoming{
			RoomName:   room,
			CallerID:   callerID,
			GroupID:    created.GroupID,
			CallType:   created.Type,
			Offer:      rawOrNil(req.Offer),
			IceServers: e.ice.Servers(id),
		})
	}
	return created, nil
}

// Accept connects a ringing call. A connected group call accepted by another
// member is treated as that member joining.
func (e *Engine) Accept(ctx context.Context, c *ws.Client, req protocol.CallAccept) (models.Call, error) {
	userID := c.UserID()
	call, err := e.load(ctx, req.RoomName)
	if err != nil {
		return models.Call{}, err
	}
	if call.InitiatorID == userID {
		return models.Call{}, apperr.Wrap(apperr.ErrUnauthorized, "caller cannot accept own call")
	}
	if err := e.authorize(ctx, call, userID); err != nil {
		return models.Call{}, err
	}
	if call.IsGroup() && call.State == models.CallConnected {
		return call, e.enter(c, call)
	}
	if !CanTransition(call.State, models.CallConnected) {
		return models.Call{}, invalidState(call)
	}

	connected, err := e.calls.UpdateCallState(ctx, call.RoomName, sourcesFor(models.CallConnected), models.CallUpdate{
		State:      models.CallConnected,
		AcceptedAt: e.timestamp(),
		Answer:     string(req.Answer),
	})
	if err != nil {
		return models.Call{}, storeError(err, call.RoomName)
	}
	e.transitioned(ctx, connected, userID)

	e.mu.Lock()
	delete(e.pending[call.RoomName], userID)
	e.mu.Unlock()

	e.hub.SendToUser(connected.InitiatorID, protocol.EventCallAccepted, protocol.CallAccepted{
		RoomName:   connected.RoomName,
		UserID:     userID,
		Answer:     rawOrNil(req.Answer),
		IceServers: e.ice.Servers(connected.InitiatorID),
	})
	e.hub.SendToUserExcept(userID, c.ID(), protocol.EventCallAnsweredElsewhere, protocol.CallAnsweredElsewhere{RoomName: connected.RoomName})
	return connected, e.enter(c, connected)
}

// Reject declines a ringing call. A group call becomes rejected only after
// every invited member declined.
func (e *Engine) Reject(ctx context.Context, c *ws.Client, req protocol.CallReject) (models.Call, error) {
	userID := c.UserID()
	call, err := e.load(ctx, req.RoomName)
	if err != nil {
		return models.Call{}, err
	}
	if call.InitiatorID == userID {
		return models.Call{}, apperr.Wrap(apperr.ErrUnauthorized, "caller cannot reject own call")
	}
	if err := e.authorize(ctx, call, userID); err != nil {
		return models.Call{}, err
	}
	if !CanTransition(call.State, models.CallRejected) {
		return models.Call{}, invalidState(call)
	}

	notice := protocol.CallRejected{RoomName: call.RoomName, UserID: userID}
	e.hub.SendToUserExcept(userID, c.ID(), protocol.EventCallRejected, notice)

	if call.IsGroup() {
		remaining, err := e.decline(ctx, call, userID)
		if err != nil {
			return models.Call{}, err
		}
		if remaining > 0 {
			e.hub.SendToUser(call.InitiatorID, protocol.EventCallRejected, notice)
			return call, nil
		}
	}

	rejected, err := e.calls.UpdateCallState(ctx, call.RoomName, sourcesFor(models.CallRejected), models.CallUpdate{
		State:     models.CallRejected,
		EndedAt:   e.timestamp(),
		EndReason: "rejected",
	})
	if err != nil {
		return models.Call{}, storeError(err, call.RoomName)
	}
	e.transitioned(ctx, rejected, userID)
	e.hub.SendToUser(rejected.InitiatorID, protocol.EventCallRejected, notice)
	e.finish(rejected)
	return rejected, nil
}

// decline removes userID from the group's undecided invitees and returns how many remain.
func (e *Engine) decline(ctx context.Context, call models.Call, userID int) (int, error) {
	e.mu.Lock()
	set, ok := e.pending[call.RoomName]
	e.mu.Unlock()
	if !ok {
		// Lost after a restart; everyone but the caller is still deciding.
		members, err := e.groups.MemberIDs(ctx, *call.GroupID)
		if err != nil {
			return 0, apperr.WithCause(apperr.ErrUnavailable, err)
		}
		set = make(map[int]struct{})
		for _, id := range exclude(members, call.InitiatorID) {
			set[id] = struct{}{}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(set, userID)
	e.pending[call.RoomName] = set
	return len(set), nil
}

// End hangs up a ringing or connected call and notifies everyone else.
func (e *Engine) End(ctx context.Context, c *ws.Client, req protocol.CallEnd) (models.Call, error) {
	userID := c.UserID()
	call, err := e.load(ctx, req.RoomName)
	if err != nil {
		return models.Call{}, err
	}
	if err := e.authorize(ctx, call, userID); err != nil {
		return models.Call{}, err
	}
	if !CanTransition(call.State, models.CallEnded) {
		return models.Call{}, invalidState(call)
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonHangup
	}
	return e.end(ctx, call, userID, c.ID(), reason)
}

func (e *Engine) end(ctx context.Context, call models.Call, enderID int, exceptConnID, reason string) (models.Call, error) {
	now := e.now()
	duration := 0
	if call.AcceptedAt != nil {
		duration = int(now.Sub(*call.AcceptedAt).Seconds())
	}
	ended, err := e.calls.UpdateCallState(ctx, call.RoomName, sourcesFor(models.CallEnded), models.CallUpdate{
		State:           models.CallEnded,
		EndedAt:         &now,
		EndReason:       reason,
		DurationSeconds: duration,
	})
	if err != nil {
		return models.Call{}, storeError(err, call.RoomName)
	}
	e.transitioned(ctx, ended, enderID)

	notice := protocol.CallEnded{RoomName: ended.RoomName, EndedBy: enderID, Reason: reason, DurationSeconds: duration}
	for _, id := range e.audience(ended) {
		if id == enderID {
			e.hub.SendToUserExcept(id, exceptConnID, protocol.EventCallEnded, notice)
			continue
		}
		e.hub.SendToUser(id, protocol.EventCallEnded, notice)
	}
	e.finish(ended)
	return ended, nil
}

// audience lists users who may hold signaling state for call.
func (e *Engine) audience(call models.Call) []int {
	seen := map[int]struct{}{call.InitiatorID: {}}
	out := []int{call.InitiatorID}
	add := func(id int) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	if call.ParticipantID != nil {
		add(*call.ParticipantID)
	}
	for _, id := range e.hub.RoomUserIDs(models.CallRoom(call.RoomName)) {
		add(id)
	}
	e.mu.Lock()
	for id := range e.pending[call.RoomName] {
		add(id)
	}
	e.mu.Unlock()
	return out
}

// RelayIceCandidate forwards a candidate to one user, or to the call room when no target is set.
func (e *Engine) RelayIceCandidate(ctx context.Context, c *ws.Client, req protocol.IceCandidate) error {
	userID := c.UserID()
	call, err := e.load(ctx, req.RoomName)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, call, userID); err != nil {
		return err
	}
	if call.State.Terminal() {
		return invalidState(call)
	}

	target := req.TargetUserID
	if target > 0 {
		// Candidates only go to users who take part in the call.
		if err := e.authorize(ctx, call, target); err != nil {
			return err
		}
	}
	event := protocol.IceCandidateEvent{RoomName: call.RoomName, FromUserID: userID, Candidate: req.Candidate}
	if target == 0 && !call.IsGroup() {
		target = otherParty(call, userID)
	}
	if target > 0 {
		e.hub.SendToUser(target, protocol.EventIceCandidate, event)
		return nil
	}
	e.hub.SendToRoom(models.CallRoom(call.RoomName), c.ID(), protocol.EventIceCandidate, event)
	return nil
}

// JoinRoom adds c to an active call's signaling room and returns its ICE servers.
func (e *Engine) JoinRoom(ctx context.Context, c *ws.Client, roomName string) (protocol.CallParticipant, error) {
	call, err := e.load(ctx, roomName)
	if err != nil {
		return protocol.CallParticipant{}, err
	}
	if err := e.authorize(ctx, call, c.UserID()); err != nil {
		return protocol.CallParticipant{}, err
	}
	if call.State.Terminal() {
		return protocol.CallParticipant{}, invalidState(call)
	}
	if err := e.enter(c, call); err != nil {
		return protocol.CallParticipant{}, err
	}
	return protocol.CallParticipant{RoomName: call.RoomName, UserID: c.UserID(), IceServers: e.ice.Servers(c.UserID())}, nil
}

// enter joins c to the call room and announces it with per-recipient ICE servers.
func (e *Engine) enter(c *ws.Client, call models.Call) error {
	room := models.CallRoom(call.RoomName)
	already := e.hub.InRoom(c, room)
	if !e.hub.Join(c, room) {
		return apperr.Wrap(apperr.ErrInvalidState, "connection is closed")
	}
	e.track(c.UserID(), call.RoomName)
	if already {
		return nil
	}
	for _, member := range e.hub.RoomMembers(room) {
		if member.ID() == c.ID() {
			continue
		}
		e.hub.Deliver([]*ws.Client{member}, protocol.EventCallParticipantJoined, protocol.CallParticipant{
			RoomName:   call.RoomName,
			UserID:     c.UserID(),
			IceServers: e.ice.Servers(member.UserID()),
		})
	}
	return nil
}

// LeaveRoom removes c from the call room. A connected group call whose room
// empties is ended.
func (e *Engine) LeaveRoom(ctx context.Context, c *ws.Client, roomName string) error {
	call, err := e.load(ctx, roomName)
	if err != nil {
		return err
	}
	room := models.CallRoom(call.RoomName)
	if !e.hub.InRoom(c, room) {
		return nil
	}
	e.hub.Leave(c, room)
	e.hub.SendToRoom(room, "", protocol.EventCallParticipantLeft, protocol.CallParticipant{RoomName: call.RoomName, UserID: c.UserID()})
	return e.reapEmpty(ctx, call, c.UserID())
}

func (e *Engine) reapEmpty(ctx context.Context, call models.Call, userID int) error {
	if !call.IsGroup() || call.State != models.CallConnected || e.hub.RoomSize(models.CallRoom(call.RoomName)) > 0 {
		return nil
	}
	_, err := e.end(ctx, call, userID, "", ReasonEmpty)
	if errors.Is(err, apperr.ErrInvalidState) {
		return nil
	}
	return err
}

// ToggleMedia tells the rest of the room that a participant muted or unmuted a track.
func (e *Engine) ToggleMedia(ctx context.Context, c *ws.Client, req protocol.ToggleMedia) error {
	call, err := e.load(ctx, req.RoomName)
	if err != nil {
		return err
	}
	if call.State.Terminal() {
		return invalidState(call)
	}
	room := models.CallRoom(call.RoomName)
	if !e.hub.InRoom(c, room) {
		return apperr.Wrap(apperr.ErrUnauthorized, "not in call %s", call.RoomName)
	}
	e.hub.SendToRoom(room, c.ID(), protocol.EventCallMediaToggled, protocol.MediaToggled{
		RoomName: call.RoomName,
		UserID:   c.UserID(),
		Kind:     req.Kind,
		Enabled:  req.Enabled,
	})
	return nil
}

// SweepRinging marks calls ringing longer than timeout as missed.
func (e *Engine) SweepRinging(ctx context.Context, timeout time.Duration) (int, error) {
	stale, err := e.calls.ListRingingBefore(ctx, e.now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("list ringing calls: %w", err)
	}
	swept := 0
	for _, call := range stale {
		missed, err := e.calls.UpdateCallState(ctx, call.RoomName, sourcesFor(models.CallMissed), models.CallUpdate{
			State:     models.CallMissed,
			EndedAt:   e.timestamp(),
			EndReason: ReasonTimeout,
		})
		if errors.Is(err, repositories.ErrCallStateChanged) || errors.Is(err, repositories.ErrCallNotFound) {
			continue
		}
		if err != nil {
			log.Printf("call sweep failed room=%s: %v", call.RoomName, err)
			continue
		}
		e.transitioned(ctx, missed, missed.InitiatorID)
		notice := protocol.CallMissed{RoomName: missed.RoomName, CallerID: missed.InitiatorID, Reason: ReasonTimeout}
		for _, id := range e.audience(missed) {
			e.hub.SendToUser(id, protocol.EventCallMissed, notice)
		}
		if missed.IsGroup() {
			e.notifyMembers(ctx, missed, protocol.EventCallMissed, notice)
		}
		e.finish(missed)
		swept++
	}
	return swept, nil
}

// notifyMembers reaches group members that were rung before a restart lost the invitee set.
func (e *Engine) notifyMembers(ctx context.Context, call models.Call, event string, data any) {
	e.mu.Lock()
	_, tracked := e.pending[call.RoomName]
	e.mu.Unlock()
	if tracked {
		return
	}
	members, err := e.groups.MemberIDs(ctx, *call.GroupID)
	if err != nil {
		log.Printf("call notify members failed room=%s: %v", call.RoomName, err)
		return
	}
	for _, id := range exclude(members, call.InitiatorID) {
		e.hub.SendToUser(id, event, data)
	}
}

// ConnectionLeft handles one device of a still connected user dropping out of
// call rooms. A group call loses the participant unless another of the user's
// devices is still in the room, and ends once its room is empty.
func (e *Engine) ConnectionLeft(ctx context.Context, userID int, rooms []string) {
	for _, room := range rooms {
		roomName, ok := strings.CutPrefix(room, models.CallRoom(""))
		if !ok || roomName == "" {
			continue
		}
		if e.userInRoom(userID, room) {
			continue
		}
		call, err := e.load(ctx, roomName)
		if err != nil {
			log.Printf("call connection cleanup failed room=%s user_id=%d: %v", roomName, userID, err)
			continue
		}
		if !call.IsGroup() || call.State.Terminal() {
			continue
		}
		e.hub.SendToRoom(room, "", protocol.EventCallParticipantLeft, protocol.CallParticipant{RoomName: roomName, UserID: userID})
		if err := e.reapEmpty(ctx, call, userID); err != nil {
			log.Printf("call connection cleanup failed room=%s user_id=%d: %v", roomName, userID, err)
		}
	}
}

func (e *Engine) userInRoom(userID int, room string) bool {
	for _, c := range e.hub.ConnectionsFor(userID) {
		if e.hub.InRoom(c, room) {
			return true
		}
	}
	return false
}

// UserOffline cleans up after a user's last connection is gone. 1:1 calls end;
// group calls lose the participant and end once their room is empty.
func (e *Engine) UserOffline(ctx context.Context, userID int) {
	e.mu.Lock()
	rooms := make([]string, 0, len(e.active[userID]))
	for room := range e.active[userID] {
		rooms = append(rooms, room)
	}
	delete(e.active, userID)
	e.mu.Unlock()

	for _, room := range rooms {
		call, err := e.load(ctx, room)
		if err != nil {
			log.Printf("call offline cleanup failed room=%s user_id=%d: %v", room, userID, err)
			continue
		}
		if call.State.Terminal() {
			continue
		}
		if call.IsGroup() && (call.State == models.CallConnected || call.InitiatorID != userID) {
			e.hub.SendToRoom(models.CallRoom(room), "", protocol.EventCallParticipantLeft, protocol.CallParticipant{RoomName: room, UserID: userID})
			if err := e.reapEmpty(ctx, call, userID); err != nil {
				log.Printf("call offline cleanup failed room=%s user_id=%d: %v", room, userID, err)
			}
			continue
		}
		if _, err := e.end(ctx, call, userID, "", ReasonDisconnected); err != nil && !errors.Is(err, apperr.ErrInvalidState) {
			log.Printf("call offline cleanup failed room=%s user_id=%d: %v", room, userID, err)
		}
	}
}

// Get returns a call visible to userID.
func (e *Engine) Get(ctx context.Context, roomName string, userID int) (models.Call, error) {
	call, err := e.load(ctx, roomName)
	if err != nil {
		return models.Call{}, err
	}
	if err := e.authorize(ctx, call, userID); err != nil {
		return models.Call{}, err
	}
	return call, nil
}

func (e *Engine) load(ctx context.Context, roomName string) (models.Call, error) {
	if roomName == "" {
		return models.Call{}, apperr.Wrap(apperr.ErrValidation, "room_name is required")
	}
	call, err := e.calls.GetCall(ctx, roomName)
	if err != nil {
		return models.Call{}, storeError(err, roomName)
	}
	return call, nil
}

// authorize requires userID to be a party of a 1:1 call or a member of the call's group.
func (e *Engine) authorize(ctx context.Context, call models.Call, userID int) error {
	if call.Involves(userID) {
		return nil
	}
	if call.IsGroup() {
		ok, err := e.groups.IsMember(ctx, *call.GroupID, userID)
		if err != nil {
			return apperr.WithCause(apperr.ErrUnavailable, err)
		}
		if ok {
			return nil
		}
	}
	return apperr.Wrap(apperr.ErrUnauthorized, "not a participant of call %s", call.RoomName)
}

func (e *Engine) track(userID int, room string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rooms, ok := e.active[userID]
	if !ok {
		rooms = make(map[string]struct{})
		e.active[userID] = rooms
	}
	rooms[room] = struct{}{}
}

// finish drops in-memory state for a terminal call and empties its room.
func (e *Engine) finish(call models.Call) {
	e.mu.Lock()
	delete(e.pending, call.RoomName)
	for userID, rooms := range e.active {
		delete(rooms, call.RoomName)
		if len(rooms) == 0 {
			delete(e.active, userID)
		}
	}
	e.mu.Unlock()
	e.hub.LeaveAll(models.CallRoom(call.RoomName))
}

func (e *Engine) transitioned(ctx context.Context, call models.Call, userID int) {
	observability.IncCallTransition(string(call.State))
	e.audit.Emit(ctx, "info", fmt.Sprintf("call %s %s", call.RoomName, call.State), "", userID)
}

func (e *Engine) timestamp() *time.Time {
	now := e.now()
	return &now
}

func storeError(err error, room string) error {
	switch {
	case errors.Is(err, repositories.ErrCallNotFound):
		return apperr.Wrap(apperr.ErrNotFound, "call %s not found", room)
	case errors.Is(err, repositories.ErrCallExists):
		return apperr.Wrap(apperr.ErrInvalidState, "call %s already exists", room)
	case errors.Is(err, repositories.ErrCallStateChanged):
		return apperr.Wrap(apperr.ErrInvalidState, "call %s changed state", room)
	}
	return apperr.WithCause(apperr.ErrUnavailable, err)
}

func invalidState(call models.Call) error {
	return apperr.Wrap(apperr.ErrInvalidState, "call %s is %s", call.RoomName, call.State)
}

func otherParty(call models.Call, userID int) int {
	if call.InitiatorID != userID {
		return call.InitiatorID
	}
	if call.ParticipantID != nil {
		return *call.ParticipantID
	}
	return 0
}

func exclude(ids []int, skip int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

func rawOrNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
