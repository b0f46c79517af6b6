package ephemeralvc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	minChannelNameLength = 1
	maxChannelNameLength = 100
	channelNameSuffix    = "..."
	minUserLimit         = 0
	maxUserLimit         = 99

	minStickyCooldown     = 1
	maxStickyCooldown     = 3600
	defaultStickyCooldown = 5

	regionAuto        = "auto"
	defaultRTCRegion  = "japan"
	defaultEmbedColor = 0x5865F2
	maxEmbedColor     = 0xFFFFFF
	bitrateKbpsToBps  = 1000
)

var (
	errEmptyChannelName = errors.New("channel name must not be empty")
	errInvalidColor     = errors.New("color must be a hex value like #5865F2")
	errUserLimitNaN     = errors.New("user limit must be a number")
	errUserLimitRange   = errors.New("user limit out of range")
)

// validBitratesKbps are the bitrates offered in the control panel.
// Boost level determines which of these a guild actually accepts.
var validBitratesKbps = []int{8, 16, 32, 64, 96, 128, 256, 384}

// validRegions are the voice regions offered in the control panel, in
// display order. "auto" clears the region override.
var validRegions = []regionOption{
	{Value: regionAuto, Label: "自動"},
	{Value: "japan", Label: "日本"},
	{Value: "singapore", Label: "シンガポール"},
	{Value: "hongkong", Label: "香港"},
	{Value: "sydney", Label: "シドニー"},
	{Value: "india", Label: "インド"},
	{Value: "us-west", Label: "米国西部"},
	{Value: "us-east", Label: "米国東部"},
	{Value: "us-central", Label: "米国中部"},
	{Value: "us-south", Label: "米国南部"},
	{Value: "europe", Label: "ヨーロッパ"},
	{Value: "brazil", Label: "ブラジル"},
	{Value: "southafrica", Label: "南アフリカ"},
	{Value: "russia", Label: "ロシア"},
}

type regionOption struct {
	Value string
	Label string
}

func clampUserLimit(n int) int {
	return min(max(n, minUserLimit), maxUserLimit)
}

func validateUserLimit(n int) error {
	if n < minUserLimit || n > maxUserLimit {
		return fmt.Errorf(
			"%w: must be between %d and %d",
			errUserLimitRange,
			minUserLimit,
			maxUserLimit,
		)
	}
	return nil
}

// parseUserLimit parses modal input into a user limit. Non-numeric
// input wraps errUserLimitNaN, out of range input errUserLimitRange.
func parseUserLimit(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errUserLimitNaN, err)
	}
	return n, validateUserLimit(n)
}

// normalizeChannelName trims whitespace and truncates to the platform
// limit, replacing the tail with "..." when truncated.
func normalizeChannelName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errEmptyChannelName
	}
	return truncate(name, maxChannelNameLength, channelNameSuffix), nil
}

func validateChannelName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < minChannelNameLength || n > maxChannelNameLength {
		return fmt.Errorf(
			"channel name must be between %d and %d characters",
			minChannelNameLength,
			maxChannelNameLength,
		)
	}
	return nil
}

// validateBitrate checks a bitrate given in kbps, returning the value
// in bps as stored on the channel.
func validateBitrate(kbps int) (int, error) {
	for _, b := range validBitratesKbps {
		if b == kbps {
			return kbps * bitrateKbpsToBps, nil
		}
	}
	return 0, fmt.Errorf("unsupported bitrate: %d kbps", kbps)
}

// validateRegion returns the region to store on the channel. "auto"
// yields nil, which clears the override.
func validateRegion(region string) (*string, error) {
	for _, r := range validRegions {
		if r.Value != region {
			continue
		}
		if region == regionAuto {
			return nil, nil
		}
		return &region, nil
	}
	return nil, fmt.Errorf("unsupported region: %q", region)
}

func regionLabel(region *string) string {
	value := regionAuto
	if region != nil {
		value = *region
	}
	for _, r := range validRegions {
		if r.Value == value {
			return r.Label
		}
	}
	return value
}

func clampStickyCooldown(seconds int) int {
	return min(max(seconds, minStickyCooldown), maxStickyCooldown)
}

// parseColor accepts "#RRGGBB", "0xRRGGBB" or "RRGGBB"
func parseColor(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "#")
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 6 {
		return 0, errInvalidColor
	}
	n, err := strconv.ParseInt(s, 16, 32)
	if err != nil || n < 0 || n > maxEmbedColor {
		return 0, errInvalidColor
	}
	return int(n), nil
}

func isOwner(session *VoiceSession, userID string) bool {
	return session != nil && userID != "" && session.OwnerID == userID
}
