package ephemeralvc

import (
	"context"
	"errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnVoiceSessionOwnerID        = "owner_id"
	columnVoiceSessionName           = "name"
	columnVoiceSessionUserLimit      = "user_limit"
	columnVoiceSessionBitrate        = "bitrate"
	columnVoiceSessionRTCRegion      = "rtc_region"
	columnVoiceSessionIsLocked       = "is_locked"
	columnVoiceSessionIsHidden       = "is_hidden"
	columnVoiceSessionIsNSFW         = "is_nsfw"
	columnVoiceSessionPanelMessageID = "panel_message_id"
)

var (
	errSessionNotFound = errors.New("voice session not found")
	errNotOwner        = errors.New("requester is not the channel owner")
	errNotMember       = errors.New("user is not in the channel")
	errNoLobby         = errors.New("lobby not found")
)

// Lobby is a voice channel which creates a new VoiceSession for each
// member that joins it.
//
//nolint:lll // struct tags can't be split
type Lobby struct {
	ModelUintID
	ModelUnixTime
	GuildID        string `json:"guild_id" gorm:"not null;index"`
	LobbyChannelID string `json:"lobby_channel_id" gorm:"not null;uniqueIndex"`

	// CategoryID is where sessions are created. When nil, sessions are
	// created under the lobby channel's own category.
	CategoryID       *string `json:"category_id"`
	DefaultUserLimit int     `json:"default_user_limit" gorm:"not null;default:0"`

	Sessions []VoiceSession `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// VoiceSession is a temporary voice channel created from a Lobby. It
// exists as long as at least one member is connected.
//
//nolint:lll // struct tags can't be split
type VoiceSession struct {
	ModelUintID
	ModelUnixTime
	LobbyID   uint   `json:"lobby_id" gorm:"not null;index"`
	ChannelID string `json:"channel_id" gorm:"not null;uniqueIndex"`
	GuildID   string `json:"guild_id" gorm:"not null;index"`
	OwnerID   string `json:"owner_id" gorm:"not null;index"`
	Name      string `json:"name" gorm:"not null"`
	UserLimit int    `json:"user_limit" gorm:"not null;default:0"`

	// Bitrate in bps. Nil means the guild default.
	Bitrate   *int    `json:"bitrate"`
	RTCRegion *string `json:"rtc_region" gorm:"column:rtc_region"`

	IsLocked bool `json:"is_locked" gorm:"not null;default:false"`
	IsHidden bool `json:"is_hidden" gorm:"not null;default:false"`
	IsNSFW   bool `json:"is_nsfw" gorm:"column:is_nsfw;not null;default:false"`

	// PanelMessageID is the pinned control panel message in the
	// channel's text chat
	PanelMessageID *string `json:"panel_message_id"`

	Members []VoiceSessionMember `json:"members,omitempty" gorm:"constraint:OnDelete:CASCADE"`
}

// VoiceSessionMember records a user connected to a VoiceSession, and
// when they joined. The earliest joined non-bot member inherits the
// channel when the owner leaves.
//
//nolint:lll // struct tags can't be split
type VoiceSessionMember struct {
	ModelUintID
	VoiceSessionID uint   `json:"voice_session_id" gorm:"not null;uniqueIndex:idx_voice_session_member"`
	UserID         string `json:"user_id" gorm:"not null;uniqueIndex:idx_voice_session_member;index"`
	IsBot          bool   `json:"is_bot" gorm:"not null;default:false"`
	JoinedAt       int64  `json:"joined_at" gorm:"not null"`
}

// memberSession pairs a member row with the channel of its session
type memberSession struct {
	VoiceSessionID uint
	ChannelID      string
	OwnerID        string
}

// takeOne wraps Take, returning nil instead of gorm.ErrRecordNotFound
func takeOne[T any](db *gorm.DB, query any, args ...any) (*T, error) {
	var v T
	err := db.Where(query, args...).Take(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func lobbyByChannelID(ctx context.Context, db *gorm.DB, channelID string) (*Lobby, error) {
	return takeOne[Lobby](db.WithContext(ctx), "lobby_channel_id = ?", channelID)
}

func voiceSessionByChannelID(
	ctx context.Context,
	db *gorm.DB,
	channelID string,
) (*VoiceSession, error) {
	return takeOne[VoiceSession](db.WithContext(ctx), "channel_id = ?", channelID)
}

func voiceSessionByID(ctx context.Context, db *gorm.DB, id uint) (*VoiceSession, error) {
	return takeOne[VoiceSession](db.WithContext(ctx), "id = ?", id)
}

// ownedVoiceSession returns the session the user owns which was created
// from the given lobby, if any
func ownedVoiceSession(
	ctx context.Context,
	db *gorm.DB,
	lobbyID uint,
	ownerID string,
) (*VoiceSession, error) {
	return takeOne[VoiceSession](
		db.WithContext(ctx),
		"lobby_id = ? AND owner_id = ?",
		lobbyID,
		ownerID,
	)
}

// orderedMembers returns the members of a session by join time, with
// user ID breaking ties
func orderedMembers(
	ctx context.Context,
	db *gorm.DB,
	sessionID uint,
) ([]VoiceSessionMember, error) {
	var members []VoiceSessionMember
	err := db.WithContext(ctx).
		Where("voice_session_id = ?", sessionID).
		Order("joined_at asc, user_id asc").
		Find(&members).Error
	return members, err
}

// memberSessionsForUser finds every session in the guild the user is
// recorded as being connected to
func memberSessionsForUser(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	userID string,
) ([]memberSession, error) {
	var rows []memberSession
	err := db.WithContext(ctx).
		Model(&VoiceSessionMember{}).
		Select(
			"voice_session_members.voice_session_id, " +
				"voice_sessions.channel_id, voice_sessions.owner_id",
		).
		Joins("JOIN voice_sessions ON voice_sessions.id = voice_session_members.voice_session_id").
		Where(
			"voice_sessions.guild_id = ? AND voice_session_members.user_id = ?",
			guildID,
			userID,
		).
		Scan(&rows).Error
	return rows, err
}

// nextOwner picks the earliest joined non-bot member, other than
// excludeID. members must already be ordered by orderedMembers.
func nextOwner(members []VoiceSessionMember, excludeID string) *VoiceSessionMember {
	for i := range members {
		m := members[i]
		if m.IsBot || m.UserID == excludeID {
			continue
		}
		return &m
	}
	return nil
}

func hasMember(members []VoiceSessionMember, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// createVoiceSession persists a session along with its owner's member
// row, in one transaction
func createVoiceSession(
	ctx context.Context,
	db DBI,
	session *VoiceSession,
	joinedAt int64,
) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := tx.Omit("Members").Create(session).Error; err != nil {
				return err
			}
			owner := VoiceSessionMember{
				VoiceSessionID: session.ID,
				UserID:         session.OwnerID,
				JoinedAt:       joinedAt,
			}
			return tx.Create(&owner).Error
		},
	)
}

// addVoiceSessionMember inserts the member row, leaving an existing row
// (and its original join time) untouched
func addVoiceSessionMember(
	ctx context.Context,
	db DBI,
	member *VoiceSessionMember,
) (bool, error) {
	var created bool
	err := db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(member)
			created = rv.RowsAffected > 0
			return rv.Error
		},
	)
	return created, err
}

func removeVoiceSessionMember(
	ctx context.Context,
	db DBI,
	sessionID uint,
	userID string,
) (int64, error) {
	return db.Delete(
		ctx,
		&VoiceSessionMember{},
		"voice_session_id = ? AND user_id = ?",
		sessionID,
		userID,
	)
}

// deleteVoiceSession removes the session and its member rows
func deleteVoiceSession(ctx context.Context, db DBI, sessionID uint) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := tx.Where(
				"voice_session_id = ?",
				sessionID,
			).Delete(&VoiceSessionMember{}).Error; err != nil {
				return err
			}
			return tx.Delete(&VoiceSession{}, sessionID).Error
		},
	)
}

// deleteLobby removes the lobby along with any sessions created from it
func deleteLobby(ctx context.Context, db DBI, lobbyID uint) error {
	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			sessionIDs := tx.Model(&VoiceSession{}).
				Select("id").
				Where("lobby_id = ?", lobbyID)
			if err := tx.Where(
				"voice_session_id IN (?)",
				sessionIDs,
			).Delete(&VoiceSessionMember{}).Error; err != nil {
				return err
			}
			if err := tx.Where(
				"lobby_id = ?",
				lobbyID,
			).Delete(&VoiceSession{}).Error; err != nil {
				return err
			}
			return tx.Delete(&Lobby{}, lobbyID).Error
		},
	)
}

// deleteByChannelID cleans up whatever was bound to a channel that no
// longer exists, whether a session or a lobby
func deleteByChannelID(ctx context.Context, db DBI, channelID string) (
	sessionDeleted bool,
	lobbyDeleted bool,
	err error,
) {
	session, err := voiceSessionByChannelID(ctx, db.DB(), channelID)
	if err != nil {
		return false, false, err
	}
	if session != nil {
		if err = deleteVoiceSession(ctx, db, session.ID); err != nil {
			return false, false, err
		}
		sessionDeleted = true
	}

	lobby, err := lobbyByChannelID(ctx, db.DB(), channelID)
	if err != nil {
		return sessionDeleted, false, err
	}
	if lobby != nil {
		if err = deleteLobby(ctx, db, lobby.ID); err != nil {
			return sessionDeleted, false, err
		}
		lobbyDeleted = true
	}
	return sessionDeleted, lobbyDeleted, nil
}
