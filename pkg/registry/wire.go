// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package registry

import (
	"github.com/corelattice/kernel/pkg/errors"
	"github.com/corelattice/kernel/pkg/ipc"
)

// ControlTag is a ServiceControl sub-variant (spec §4.3 "Service wire
// protocol"). The encoding below is the core's own minimal framing: the
// wire format the core treats as opaque for the non-control arms is
// negotiated elsewhere (spec §6); ServiceControl is the one arm the
// registry itself must interpret to act on it.
type ControlTag byte

const (
	CtrlStart ControlTag = iota
	CtrlStop
	CtrlRestart
	CtrlGetStatus
	CtrlStatusResponse
	CtrlHealthCheck
	CtrlHealthResponse
)

// ControlMessage is the decoded form of a ServiceControl payload.
type ControlMessage struct {
	Tag     ControlTag
	Kind    Kind
	Status  Status  // set on StatusResponse
	Healthy bool    // set on HealthResponse
	Details string  // set on HealthResponse
}

// ProcessController is the collaborator process subsystem that Start,
// Stop, and Restart control messages are routed to (spec §4.3 "Other
// control messages (Start, Stop, Restart) are routed to the
// collaborator process subsystem and their outcome flows back as a
// status update").
type ProcessController interface {
	StartProcess(kind Kind) error
	StopProcess(kind Kind) error
	RestartProcess(kind Kind) error
}

// SendServiceMessage dispatches payload to target's registered endpoint
// (spec §4.3 "send_service_message(target_kind, message)"): checks from's
// outbound capability allow-list, looks up the endpoint, and delivers
// through the IPC dispatcher. Delivery failure propagates to the caller
// without retry. Endpoints are plain asynchronous inboxes (spec §6
// "Service wire protocol": the core treats payloads as opaque byte
// sequences), so the message is always tagged Asynchronous.
func (r *Registry) SendServiceMessage(from Kind, target Kind, sender ThreadID, payload []byte) (MessageID, error) {
	if err := r.checkOutbound(from, target); err != nil {
		return 0, err
	}
	endpoint, ok := r.GetEndpoint(target)
	if !ok {
		return 0, errors.ErrEndpointNotSet
	}
	return r.disp.Send(endpoint, sender, nil, ipc.Asynchronous, ipc.PriorityNormal, payload, nil)
}

// HandleServiceMessage processes a ServiceControl payload addressed to
// the registry itself (spec §4.3 "Control-message handling"). GetStatus
// and HealthCheck are answered synchronously with a synthesized reply
// sent back to from via the same dispatch path. Start/Stop/Restart are
// routed to proc and their outcome applied as a status update; the
// reply carries the resulting status.
func (r *Registry) HandleServiceMessage(from Kind, msg ControlMessage, sender ThreadID, proc ProcessController) error {
	switch msg.Tag {
	case CtrlGetStatus:
		snap, err := r.Entry(msg.Kind)
		if err != nil {
			return err
		}
		return r.replyStatus(from, sender, msg.Kind, snap.Status)

	case CtrlHealthCheck:
		snap, err := r.Entry(msg.Kind)
		if err != nil {
			return err
		}
		healthy := r.live != nil && r.live.IsAlive(snap.ProcessID)
		return r.replyHealth(from, sender, msg.Kind, healthy, "")

	case CtrlStart:
		if err := proc.StartProcess(msg.Kind); err != nil {
			_ = r.UpdateStatus(msg.Kind, Failed)
			return err
		}
		_ = r.UpdateStatus(msg.Kind, Starting)
		snap, _ := r.Entry(msg.Kind)
		return r.replyStatus(from, sender, msg.Kind, snap.Status)

	case CtrlStop:
		if err := proc.StopProcess(msg.Kind); err != nil {
			return err
		}
		_ = r.UpdateStatus(msg.Kind, Stopping)
		snap, _ := r.Entry(msg.Kind)
		return r.replyStatus(from, sender, msg.Kind, snap.Status)

	case CtrlRestart:
		if err := proc.RestartProcess(msg.Kind); err != nil {
			_ = r.UpdateStatus(msg.Kind, Failed)
			return err
		}
		r.mu.Lock()
		if svc, ok := r.services[msg.Kind]; ok {
			svc.RestartCount++
			svc.Status = Starting
		}
		r.mu.Unlock()
		snap, _ := r.Entry(msg.Kind)
		return r.replyStatus(from, sender, msg.Kind, snap.Status)

	default:
		return errors.ErrInvalidMessageType
	}
}

func (r *Registry) replyStatus(to Kind, sender ThreadID, kind Kind, status Status) error {
	reply := ControlMessage{Tag: CtrlStatusResponse, Kind: kind, Status: status}
	return r.deliverReply(to, sender, EncodeControl(reply))
}

func (r *Registry) replyHealth(to Kind, sender ThreadID, kind Kind, healthy bool, details string) error {
	reply := ControlMessage{Tag: CtrlHealthResponse, Kind: kind, Healthy: healthy, Details: details}
	return r.deliverReply(to, sender, EncodeControl(reply))
}

// deliverReply sends a registry-synthesized reply straight to the
// origin's endpoint. Unlike SendServiceMessage this bypasses outbound
// capability gating: the reply is the registry answering on behalf of
// the core, not one service calling another.
func (r *Registry) deliverReply(to Kind, sender ThreadID, payload []byte) error {
	endpoint, ok := r.GetEndpoint(to)
	if !ok {
		return errors.ErrEndpointNotSet
	}
	_, err := r.disp.Send(endpoint, sender, nil, ipc.Asynchronous, ipc.PriorityHigh, payload, nil)
	return err
}

// EncodeControl packages a ControlMessage into the byte payload carried
// over IPC. Kept deliberately simple (length-prefixed fields, no
// external codec) matching pkg/ipc's own request/response framing.
func EncodeControl(msg ControlMessage) []byte {
	kindB := []byte(msg.Kind)
	detailsB := []byte(msg.Details)
	out := make([]byte, 0, 4+len(kindB)+len(detailsB)+8)
	out = append(out, byte(msg.Tag), byte(len(kindB)))
	out = append(out, kindB...)
	out = append(out, byte(msg.Status))
	healthy := byte(0)
	if msg.Healthy {
		healthy = 1
	}
	out = append(out, healthy, byte(len(detailsB)))
	out = append(out, detailsB...)
	return out
}

// DecodeControl reverses EncodeControl.
func DecodeControl(b []byte) (ControlMessage, error) {
	if len(b) < 2 {
		return ControlMessage{}, errors.ErrInvalidMessageType
	}
	tag := ControlTag(b[0])
	kindLen := int(b[1])
	if len(b) < 2+kindLen+3 {
		return ControlMessage{}, errors.ErrInvalidMessageType
	}
	kind := Kind(b[2 : 2+kindLen])
	rest := b[2+kindLen:]
	status := Status(rest[0])
	healthy := rest[1] != 0
	detailsLen := int(rest[2])
	if len(rest) < 3+detailsLen {
		return ControlMessage{}, errors.ErrInvalidMessageType
	}
	details := string(rest[3 : 3+detailsLen])
	return ControlMessage{Tag: tag, Kind: kind, Status: status, Healthy: healthy, Details: details}, nil
}
