package readpath

import "fmt"

func followingsKey(userID int64) string { return fmt.Sprintf("uf:flws:%d", userID) }
func followersKey(userID int64) string  { return fmt.Sprintf("uf:fans:%d", userID) }
func selfHealKey(userID int64) string   { return fmt.Sprintf("ucnt:chk:%d", userID) }
