package core

import "context"

type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

func (k TrackKind) String() string {
	if k == TrackAudio {
		return "audio"
	}
	return "video"
}

// Grants scope a media access credential to one room and identity.
type Grants struct {
	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
}

// Credential is an opaque short-lived media access token.
type Credential string

// TokenIssuer mints credentials for the media backend.
type TokenIssuer interface {
	IssueAccessToken(ctx context.Context, room, identity, name string, grants Grants) (Credential, error)
}

type DisconnectReason int

const (
	DisconnectSelf DisconnectReason = iota
	DisconnectLost
)

type ConnectionQuality int

const (
	QualityExcellent ConnectionQuality = iota
	QualityGood
	QualityPoor
	QualityLost
)

// LocalTrack is a capture track owned by the local participant.
type LocalTrack interface {
	Kind() TrackKind
	Stop()
}

// RemoteTrack is a track published by some identity in the room. Name
// distinguishes camera video from screen share.
type RemoteTrack interface {
	Kind() TrackKind
	Identity() string
	Name() string
}

// SessionHandlers are the media event callbacks. All fields are optional.
type SessionHandlers struct {
	OnParticipantJoined   func(identity, name string)
	OnParticipantLeft     func(identity string)
	OnTrackSubscribed     func(track RemoteTrack)
	OnTrackUnsubscribed   func(track RemoteTrack)
	OnLocalTrackPublished func(kind TrackKind)
	OnDisconnected        func(reason DisconnectReason)
	OnQualityChanged      func(identity string, quality ConnectionQuality)
	OnSpeakingChanged     func(identity string, speaking bool)
}

type SessionOptions struct {
	AdaptiveStream bool
	AutoSubscribe  bool
}

// MediaSession is one open connection to the media backend.
type MediaSession interface {
	PublishTrack(ctx context.Context, track LocalTrack) error
	UnpublishTrack(ctx context.Context, track LocalTrack) error
	Disconnect()
}

// MediaDialer opens media sessions. Handlers must be registered before the
// session is live so no early event is missed.
type MediaDialer interface {
	Open(ctx context.Context, serverURL string, cred Credential, opts SessionOptions, h SessionHandlers) (MediaSession, error)
}

// TrackSource creates local capture tracks.
type TrackSource interface {
	CreateAudioTrack() (LocalTrack, error)
	CreateVideoTrack() (LocalTrack, error)
	CreateScreenTrack() (LocalTrack, error)
}
