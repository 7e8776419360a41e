package utils

import (
	"github.com/bwmarrin/snowflake"
)

// IsDiscordID reports whether s is a Discord snowflake (17-19 digits, positive).
func IsDiscordID(s string) bool {
	if len(s) < 17 || len(s) > 19 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	id, err := snowflake.ParseString(s)
	return err == nil && id.Int64() > 0
}
