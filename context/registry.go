// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"

	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/util/idgenerator"
)

var (
	ErrDuplicateIndex  = errors.New("session index already registered")
	ErrChildrenPending = errors.New("phase1 still has phase2 children")
	ErrNotBound        = errors.New("phase2 is not bound to a phase1")
	ErrStillBound      = errors.New("phase2 is still bound to a phase1")
	ErrUnknownHandle   = errors.New("handle not registered")
)

// Registry indexes Phase1 and Phase2 handles. It is owned by the event loop
// and takes no locks.
type Registry struct {
	phase1 map[SessionIndex]*Phase1Handle
	byID   map[int64]*Phase1Handle
	phase2 map[int64]*Phase2Handle

	ph1IDs *idgenerator.IDGenerator
	ph2IDs *idgenerator.IDGenerator
}

func NewRegistry() *Registry {
	return &Registry{
		phase1: make(map[SessionIndex]*Phase1Handle),
		byID:   make(map[int64]*Phase1Handle),
		phase2: make(map[int64]*Phase2Handle),
		ph1IDs: idgenerator.NewGenerator(1, math.MaxInt32),
		ph2IDs: idgenerator.NewGenerator(1, math.MaxInt32),
	}
}

// InsertPhase1 registers h under its current index and assigns its ID.
func (r *Registry) InsertPhase1(h *Phase1Handle) error {
	if _, ok := r.phase1[h.Index]; ok {
		return fmt.Errorf("insert %s: %w", h.Index, ErrDuplicateIndex)
	}
	id, err := r.ph1IDs.Allocate()
	if err != nil {
		return fmt.Errorf("allocate phase1 id: %w", err)
	}
	h.ID = id
	r.phase1[h.Index] = h
	r.byID[id] = h
	logger.CtxLog.Debugf("registered %s", h)
	return nil
}

func (r *Registry) LookupByIndex(idx SessionIndex) *Phase1Handle {
	return r.phase1[idx]
}

// LookupByIndex0 matches on the initiator cookie alone.
func (r *Registry) LookupByIndex0(ck Cookie) *Phase1Handle {
	if h, ok := r.phase1[SessionIndex{Initiator: ck}]; ok {
		return h
	}
	for _, h := range r.Phase1s() {
		if h.Index.Initiator == ck {
			return h
		}
	}
	return nil
}

func (r *Registry) LookupPhase1ByID(id int64) *Phase1Handle {
	return r.byID[id]
}

// LookupByAddressPair finds a live Phase1 between remote and local. An
// established handle wins over one still negotiating.
func (r *Registry) LookupByAddressPair(remote, local *net.UDPAddr, wildcardPorts bool) *Phase1Handle {
	var negotiating *Phase1Handle
	for _, h := range r.Phase1s() {
		if h.IsExpired() {
			continue
		}
		if !SameHost(h.Remote, remote, wildcardPorts) {
			continue
		}
		if local != nil && !SameHost(h.Local, local, wildcardPorts) {
			continue
		}
		if h.IsEstablished() {
			return h
		}
		if negotiating == nil {
			negotiating = h
		}
	}
	return negotiating
}

// SetResponderCookie completes the index of h and re-keys it. Bound
// children follow.
func (r *Registry) SetResponderCookie(h *Phase1Handle, ck Cookie) error {
	if r.byID[h.ID] != h {
		return ErrUnknownHandle
	}
	next := SessionIndex{Initiator: h.Index.Initiator, Responder: ck}
	if other, ok := r.phase1[next]; ok && other != h {
		return fmt.Errorf("set responder cookie %s: %w", next, ErrDuplicateIndex)
	}
	delete(r.phase1, h.Index)
	h.Index = next
	r.phase1[next] = h
	for id := range h.Children {
		if p2 := r.phase2[id]; p2 != nil {
			p2.Parent = next
		}
	}
	return nil
}

// RemovePhase1 drops h. It fails while h has children.
func (r *Registry) RemovePhase1(h *Phase1Handle) error {
	if r.byID[h.ID] != h {
		return ErrUnknownHandle
	}
	if len(h.Children) > 0 {
		return fmt.Errorf("remove phase1 %d: %w", h.ID, ErrChildrenPending)
	}
	h.CancelTimers()
	if h.Frags != nil {
		h.Frags.Reset()
	}
	delete(r.phase1, h.Index)
	delete(r.byID, h.ID)
	r.ph1IDs.FreeID(h.ID)
	logger.CtxLog.Debugf("unregistered %s", h)
	return nil
}

// ChildrenOf returns the live Phase2 handles bound to h.
func (r *Registry) ChildrenOf(h *Phase1Handle) []*Phase2Handle {
	out := make([]*Phase2Handle, 0, len(h.Children))
	for _, id := range h.ChildIDs() {
		if p2 := r.phase2[id]; p2 != nil {
			out = append(out, p2)
		}
	}
	return out
}

func (r *Registry) InsertPhase2(h *Phase2Handle) error {
	id, err := r.ph2IDs.Allocate()
	if err != nil {
		return fmt.Errorf("allocate phase2 id: %w", err)
	}
	h.ID = id
	r.phase2[id] = h
	return nil
}

func (r *Registry) LookupPhase2(id int64) *Phase2Handle {
	return r.phase2[id]
}

func (r *Registry) LookupPhase2ByMsgID(ph1 *Phase1Handle, msgID uint32) *Phase2Handle {
	for id := range ph1.Children {
		if p2 := r.phase2[id]; p2 != nil && p2.MsgID == msgID {
			return p2
		}
	}
	return nil
}

func (r *Registry) LookupPhase2BySeq(seq uint32) *Phase2Handle {
	for _, p2 := range r.phase2 {
		if p2.Seq == seq {
			return p2
		}
	}
	return nil
}

// LookupPhase2BySPI matches either SPI of the handle.
func (r *Registry) LookupPhase2BySPI(spi uint32) *Phase2Handle {
	if spi == 0 {
		return nil
	}
	for _, p2 := range r.phase2 {
		if p2.InboundSPI == spi || p2.OutboundSPI == spi {
			return p2
		}
	}
	return nil
}

// RemovePhase2 drops an unbound Phase2.
func (r *Registry) RemovePhase2(h *Phase2Handle) error {
	if r.phase2[h.ID] != h {
		return ErrUnknownHandle
	}
	if h.Bound {
		return fmt.Errorf("remove phase2 %d: %w", h.ID, ErrStillBound)
	}
	h.CancelTimers()
	delete(r.phase2, h.ID)
	r.ph2IDs.FreeID(h.ID)
	return nil
}

// Bind makes ph1 the parent of p2.
func (r *Registry) Bind(ph1 *Phase1Handle, p2 *Phase2Handle) {
	if p2.Bound {
		if old := r.Resolve(p2); old != nil {
			delete(old.Children, p2.ID)
		}
	}
	p2.Parent = ph1.Index
	p2.Bound = true
	ph1.Children[p2.ID] = struct{}{}
	if p2.MsgID != 0 {
		ph1.msgIDs[p2.MsgID] = struct{}{}
	}
}

func (r *Registry) Unbind(p2 *Phase2Handle) error {
	if !p2.Bound {
		return ErrNotBound
	}
	if ph1 := r.Resolve(p2); ph1 != nil {
		delete(ph1.Children, p2.ID)
	}
	p2.Bound = false
	return nil
}

// Resolve returns the parent of p2, or nil when unbound or gone.
func (r *Registry) Resolve(p2 *Phase2Handle) *Phase1Handle {
	if !p2.Bound {
		return nil
	}
	ph1 := r.phase1[p2.Parent]
	if ph1 == nil {
		return nil
	}
	if _, ok := ph1.Children[p2.ID]; !ok {
		return nil
	}
	return ph1
}

// NewMsgID returns a random non-zero message ID not yet used under ph1.
func (r *Registry) NewMsgID(ph1 *Phase1Handle) (uint32, error) {
	var b [4]byte
	for range 64 {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("message id: %w", err)
		}
		id := binary.BigEndian.Uint32(b[:])
		if id == 0 {
			continue
		}
		if _, used := ph1.msgIDs[id]; used {
			continue
		}
		ph1.msgIDs[id] = struct{}{}
		return id, nil
	}
	return 0, errors.New("message id space exhausted")
}

// ReserveMsgID records a peer chosen message ID. It reports false when
// the ID was already used under ph1.
func (r *Registry) ReserveMsgID(ph1 *Phase1Handle, id uint32) bool {
	if _, used := ph1.msgIDs[id]; used {
		return false
	}
	ph1.msgIDs[id] = struct{}{}
	return true
}

// Phase1s returns a snapshot ordered by ID.
func (r *Registry) Phase1s() []*Phase1Handle {
	out := make([]*Phase1Handle, 0, len(r.byID))
	for _, h := range r.byID {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Phase2s() []*Phase2Handle {
	out := make([]*Phase2Handle, 0, len(r.phase2))
	for _, h := range r.phase2 {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() (phase1, phase2 int) {
	return len(r.byID), len(r.phase2)
}
