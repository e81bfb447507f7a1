package ratchet

import (
	"time"

	"github.com/verbeth/verbeth-core/keyschedule"
)

// MatchKind identifies which of the three topic slots an inbound message
// matched.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchCurrent
	MatchNext
	MatchPrevious
)

func deriveTopic32(dhShared []byte, dir keyschedule.Direction, salt []byte) ([32]byte, error) {
	var out [32]byte
	b, err := keyschedule.DeriveTopic(dhShared, dir, salt)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// initTopics derives the session's starting topic pair directly from the
// handshake DH shared secret, with no rotation history yet. swapped
// selects the responder's mirrored labeling (outbound/inbound swapped
// relative to the initiator) so both sides land on the same physical
// topic pair.
func initTopics(dhShared []byte, conversationID [32]byte, swapped bool) (outbound, inbound [32]byte, err error) {
	outDir, inDir := keyschedule.Outbound, keyschedule.Inbound
	if swapped {
		outDir, inDir = keyschedule.Inbound, keyschedule.Outbound
	}
	outbound, err = deriveTopic32(dhShared, outDir, conversationID[:])
	if err != nil {
		return
	}
	inbound, err = deriveTopic32(dhShared, inDir, conversationID[:])
	return
}

// stepTopics rotates the three-slot topic window on a DH step (§4.6). The
// slot formerly "current inbound" becomes "previous inbound" with a grace
// window; the freshly-derived pair from dhReceive becomes current; the
// pair from dhSend becomes the "next" slot the peer will see once it
// performs its own DH step.
func (s *Session) stepTopics(dhReceive, dhSend []byte, now time.Time) error {
	newOutbound, err := deriveTopic32(dhReceive, keyschedule.Inbound, s.ConversationID[:])
	if err != nil {
		return err
	}
	newInbound, err := deriveTopic32(dhReceive, keyschedule.Outbound, s.ConversationID[:])
	if err != nil {
		return err
	}
	nextOutbound, err := deriveTopic32(dhSend, keyschedule.Outbound, s.ConversationID[:])
	if err != nil {
		return err
	}
	nextInbound, err := deriveTopic32(dhSend, keyschedule.Inbound, s.ConversationID[:])
	if err != nil {
		return err
	}

	prevInbound := s.Topics.CurrentInbound
	s.Topics.PreviousInbound = &prevInbound
	s.Topics.PreviousExpiry = now.Add(PreviousTopicGrace)

	s.Topics.CurrentInbound = newInbound
	s.Topics.CurrentOutbound = newOutbound
	s.Topics.NextOutbound = &nextOutbound
	s.Topics.NextInbound = &nextInbound
	s.Topics.Epoch++

	return nil
}

// MatchInboundTopic classifies an incoming topic against the three-slot
// window (§4.6 "Three-slot validity on receive").
func (s *Session) MatchInboundTopic(topic [32]byte, now time.Time) MatchKind {
	if topic == s.Topics.CurrentInbound {
		return MatchCurrent
	}
	if s.Topics.NextInbound != nil && topic == *s.Topics.NextInbound {
		return MatchNext
	}
	if s.Topics.PreviousInbound != nil && topic == *s.Topics.PreviousInbound &&
		now.Before(s.Topics.PreviousExpiry) {
		return MatchPrevious
	}
	return MatchNone
}

// PromoteNextTopic advances the next slot into current, as performed by
// the Session Manager on a "next" match (§4.7).
func (s *Session) PromoteNextTopic(now time.Time) {
	if s.Topics.NextInbound == nil {
		return
	}
	prevInbound := s.Topics.CurrentInbound
	s.Topics.PreviousInbound = &prevInbound
	s.Topics.PreviousExpiry = now.Add(PreviousTopicGrace)

	s.Topics.CurrentInbound = *s.Topics.NextInbound
	if s.Topics.NextOutbound != nil {
		s.Topics.CurrentOutbound = *s.Topics.NextOutbound
	}
	s.Topics.NextInbound = nil
	s.Topics.NextOutbound = nil
	s.Topics.Epoch++
}
