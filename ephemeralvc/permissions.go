package ephemeralvc

import "github.com/bwmarrin/discordgo"

// ownerPermissions are granted to the owner of a locked channel, so
// they can still connect and moderate.
const ownerPermissions int64 = discordgo.PermissionVoiceConnect |
	discordgo.PermissionVoiceSpeak |
	discordgo.PermissionVoiceStreamVideo |
	discordgo.PermissionVoiceMoveMembers |
	discordgo.PermissionVoiceMuteMembers |
	discordgo.PermissionVoiceDeafenMembers

// overwriteChange is a set of bits to apply to one permission overwrite
// target. Bits in Clear are removed from both allow and deny, which
// restores inheritance for them.
type overwriteChange struct {
	TargetID string
	Type     discordgo.PermissionOverwriteType
	Allow    int64
	Deny     int64
	Clear    int64
}

// mergeOverwrite applies a change to the current allow/deny bits. Allow
// and deny are mutually exclusive per bit, the latest change wins. When
// both end at zero the overwrite is redundant, and remove is true.
func mergeOverwrite(
	current *discordgo.PermissionOverwrite,
	allow int64,
	deny int64,
	clear int64,
) (newAllow int64, newDeny int64, remove bool) {
	if current != nil {
		newAllow = current.Allow
		newDeny = current.Deny
	}
	newAllow &^= clear | deny
	newDeny &^= clear | allow
	newAllow |= allow
	newDeny |= deny
	return newAllow, newDeny, newAllow == 0 && newDeny == 0
}

func findOverwrite(
	overwrites []*discordgo.PermissionOverwrite,
	targetID string,
) *discordgo.PermissionOverwrite {
	for _, o := range overwrites {
		if o != nil && o.ID == targetID {
			return o
		}
	}
	return nil
}

// putOverwrite replaces the overwrite for o.ID, or appends it
func putOverwrite(
	overwrites []*discordgo.PermissionOverwrite,
	o *discordgo.PermissionOverwrite,
) []*discordgo.PermissionOverwrite {
	for i, existing := range overwrites {
		if existing != nil && existing.ID == o.ID {
			overwrites[i] = o
			return overwrites
		}
	}
	return append(overwrites, o)
}

func dropOverwrite(
	overwrites []*discordgo.PermissionOverwrite,
	targetID string,
) []*discordgo.PermissionOverwrite {
	kept := overwrites[:0]
	for _, o := range overwrites {
		if o != nil && o.ID != targetID {
			kept = append(kept, o)
		}
	}
	return kept
}

func everyoneChange(guildID string) overwriteChange {
	return overwriteChange{TargetID: guildID, Type: discordgo.PermissionOverwriteTypeRole}
}

func memberChange(userID string) overwriteChange {
	return overwriteChange{TargetID: userID, Type: discordgo.PermissionOverwriteTypeMember}
}

// lockPermissions denies connect to @everyone and grants the owner
// connect and moderation permissions.
func lockPermissions(guildID string, ownerID string) []overwriteChange {
	everyone := everyoneChange(guildID)
	everyone.Deny = discordgo.PermissionVoiceConnect
	owner := memberChange(ownerID)
	owner.Allow = ownerPermissions
	return []overwriteChange{everyone, owner}
}

// unlockPermissions restores @everyone's connect permission to inherit
func unlockPermissions(guildID string) []overwriteChange {
	everyone := everyoneChange(guildID)
	everyone.Clear = discordgo.PermissionVoiceConnect
	return []overwriteChange{everyone}
}

// hidePermissions denies view to @everyone, and grants it to everyone
// currently in the channel.
func hidePermissions(guildID string, memberIDs []string) []overwriteChange {
	everyone := everyoneChange(guildID)
	everyone.Deny = discordgo.PermissionViewChannel
	changes := []overwriteChange{everyone}
	for _, id := range memberIDs {
		c := memberChange(id)
		c.Allow = discordgo.PermissionViewChannel
		changes = append(changes, c)
	}
	return changes
}

func unhidePermissions(guildID string) []overwriteChange {
	everyone := everyoneChange(guildID)
	everyone.Clear = discordgo.PermissionViewChannel
	return []overwriteChange{everyone}
}

// blockPermissions denies connect for the user. The caller is
// responsible for disconnecting them if they're in the channel.
func blockPermissions(userID string) overwriteChange {
	c := memberChange(userID)
	c.Deny = discordgo.PermissionVoiceConnect
	return c
}

func allowPermissions(userID string) overwriteChange {
	c := memberChange(userID)
	c.Allow = discordgo.PermissionVoiceConnect
	return c
}

func cameraDeny(userID string) overwriteChange {
	c := memberChange(userID)
	c.Deny = discordgo.PermissionVoiceStreamVideo
	return c
}

// cameraAllow clears the stream deny rather than setting an explicit
// allow, so the member falls back to the channel's inherited permission.
func cameraAllow(userID string) overwriteChange {
	c := memberChange(userID)
	c.Clear = discordgo.PermissionVoiceStreamVideo
	return c
}

// ownerHistoryGrant gives the owner read access to message history,
// which @everyone is denied on creation.
func ownerHistoryGrant(userID string) overwriteChange {
	c := memberChange(userID)
	c.Allow = discordgo.PermissionReadMessageHistory
	return c
}

func ownerHistoryRevoke(userID string) overwriteChange {
	c := memberChange(userID)
	c.Clear = discordgo.PermissionReadMessageHistory
	return c
}

// initialOverwrites are set on a newly created session channel
func initialOverwrites(guildID string, ownerID string) []*discordgo.PermissionOverwrite {
	return []*discordgo.PermissionOverwrite{
		{
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionReadMessageHistory,
		},
		{
			ID:    ownerID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionReadMessageHistory,
		},
	}
}
