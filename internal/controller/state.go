package controller

import (
	"chatsurface/internal/composer"
	"chatsurface/internal/domain"
)

// Phase names the attachment-lifecycle states:
// Idle -> Uploading -> UploadFailed | UploadSucceeded -> Indexing -> Resolved -> Idle.
// The image path bypasses Uploading and holds its encoded attachment in Idle.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseUploading       Phase = "uploading"
	PhaseUploadFailed    Phase = "uploadFailed"
	PhaseUploadSucceeded Phase = "uploadSucceeded"
	PhaseIndexing        Phase = "indexing"
	PhaseResolved        Phase = "resolved"
)

// State is the machine's full value: phase plus the data the phase carries.
type State struct {
	Phase          Phase
	Attachment     *domain.Attachment
	IndexID        string // held index id of the current document attachment
	ConversationID string // associated once the first upload of a fresh conversation finishes
	PendingText    string // text captured at send time, dispatched when indexing settles
	ErrorText      string // transient, dismissable user-visible error
}

// Event is the tagged union of inputs driving the machine.
type Event interface{ isEvent() }

// ImageAttached carries a successfully encoded inline image.
type ImageAttached struct {
	Name    string
	Payload string
}

// AttachmentRejected reports a decode failure, an oversize rejection, or a
// policy rejection. The pending attachment is discarded.
type AttachmentRejected struct{ Reason string }

// DocumentSelected starts the document upload path.
type DocumentSelected struct{ Name string }

// UploadErrored reports a failed transfer of the current document.
type UploadErrored struct{ Reason string }

// UploadCompleted carries the HTTP 200 payload of a finished transfer.
type UploadCompleted struct{ Result domain.UploadResult }

// SendRequested asks to release the composed message.
type SendRequested struct{ Text string }

// IndexingSettled reports the poller's terminal status.
type IndexingSettled struct{ Status domain.IndexStatus }

// AttachmentRemoved is the explicit user removal of the held attachment.
type AttachmentRemoved struct{}

// ErrorDismissed clears the transient error indicator.
type ErrorDismissed struct{}

// Cleared collapses Resolved back to Idle.
type Cleared struct{}

func (ImageAttached) isEvent()      {}
func (AttachmentRejected) isEvent() {}
func (DocumentSelected) isEvent()   {}
func (UploadErrored) isEvent()      {}
func (UploadCompleted) isEvent()    {}
func (SendRequested) isEvent()      {}
func (IndexingSettled) isEvent()    {}
func (AttachmentRemoved) isEvent()  {}
func (ErrorDismissed) isEvent()     {}
func (Cleared) isEvent()            {}

// Effect is work the controller performs after a transition. Effects are
// data; Step stays pure and testable without a rendering harness.
type Effect interface{ isEffect() }

// NotifyIndexing signals the surrounding collaborator that a send is
// suspended on (or released from) document ingestion.
type NotifyIndexing struct{ Active bool }

// StartPolling runs the indexing poller for the held index id.
type StartPolling struct{ IndexID string }

// Dispatch releases the composed message to the messaging layer.
type Dispatch struct {
	Content        domain.MessageContent
	ConversationID string
}

// AnnounceConversation reports a conversation id newly associated by a
// finished upload.
type AnnounceConversation struct{ ConversationID string }

func (NotifyIndexing) isEffect()       {}
func (StartPolling) isEffect()         {}
func (Dispatch) isEffect()             {}
func (AnnounceConversation) isEffect() {}

// Step is the pure transition function: (state, event) -> (state, effects).
// Unknown combinations leave the state unchanged with no effects.
func Step(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {

	case ImageAttached:
		if s.Phase == PhaseIndexing {
			return s, nil
		}
		// Replaces whatever was held, including an upload result.
		s.Phase = PhaseIdle
		s.Attachment = &domain.Attachment{
			Kind:    domain.AttachmentImage,
			Name:    e.Name,
			Payload: e.Payload,
			State:   domain.UploadSucceeded,
		}
		s.IndexID = ""
		s.ErrorText = ""
		return s, nil

	case AttachmentRejected:
		if s.Phase == PhaseIndexing {
			return s, nil
		}
		s.Phase = PhaseIdle
		s.Attachment = nil
		s.IndexID = ""
		s.ErrorText = e.Reason
		return s, nil

	case DocumentSelected:
		if s.Phase == PhaseIndexing {
			return s, nil
		}
		s.Phase = PhaseUploading
		s.Attachment = &domain.Attachment{
			Kind:  domain.AttachmentDocument,
			Name:  e.Name,
			State: domain.UploadInFlight,
		}
		s.IndexID = ""
		s.ErrorText = ""
		return s, nil

	case UploadErrored:
		if s.Phase != PhaseUploading {
			return s, nil
		}
		s.Phase = PhaseUploadFailed
		s.Attachment = nil
		s.IndexID = ""
		s.ErrorText = e.Reason
		return s, nil

	case UploadCompleted:
		if s.Phase != PhaseUploading {
			return s, nil
		}
		s.Phase = PhaseUploadSucceeded
		if s.Attachment != nil {
			s.Attachment.State = domain.UploadSucceeded
			s.Attachment.IndexID = e.Result.IndexID
			if e.Result.DocumentName != "" {
				s.Attachment.Name = e.Result.DocumentName
			}
		}
		s.IndexID = e.Result.IndexID
		var effects []Effect
		if s.ConversationID == "" && e.Result.ConversationID != "" {
			s.ConversationID = e.Result.ConversationID
			effects = append(effects, AnnounceConversation{ConversationID: e.Result.ConversationID})
		}
		return s, effects

	case SendRequested:
		switch s.Phase {
		case PhaseIndexing, PhaseUploading:
			// One job at a time; no indexing before the upload settles.
			return s, nil
		case PhaseUploadSucceeded:
			if s.IndexID != "" {
				s.Phase = PhaseIndexing
				s.PendingText = e.Text
				return s, []Effect{
					NotifyIndexing{Active: true},
					StartPolling{IndexID: s.IndexID},
				}
			}
		}
		// Image attachment or no attachment: release immediately.
		content := composer.Compose(e.Text, s.Attachment)
		next := State{Phase: PhaseResolved, ConversationID: s.ConversationID}
		return next, []Effect{Dispatch{Content: content, ConversationID: s.ConversationID}}

	case IndexingSettled:
		if s.Phase != PhaseIndexing {
			return s, nil
		}
		_ = e.Status // exhausted counts as an implicit transient failure; the send proceeds
		content := composer.Compose(s.PendingText, s.Attachment)
		next := State{Phase: PhaseResolved, ConversationID: s.ConversationID}
		return next, []Effect{
			NotifyIndexing{Active: false},
			Dispatch{Content: content, ConversationID: s.ConversationID},
		}

	case AttachmentRemoved:
		if s.Phase == PhaseIndexing {
			return s, nil
		}
		s.Phase = PhaseIdle
		s.Attachment = nil
		s.IndexID = ""
		return s, nil

	case ErrorDismissed:
		s.ErrorText = ""
		return s, nil

	case Cleared:
		if s.Phase != PhaseResolved {
			return s, nil
		}
		return State{Phase: PhaseIdle, ConversationID: s.ConversationID}, nil
	}

	return s, nil
}
