// Package main issues operator JWTs and hashes tracker API keys for configuration.
//
//	tokengen -user 123456789012345678 -name Dispatch -role organizer
//	tokengen -hash-key <tracker key>
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/redlegion/eventpay/config"
	"github.com/redlegion/eventpay/internal/auth"
	"github.com/redlegion/eventpay/pkg/utils"
)

func main() {
	user := flag.String("user", "", "Discord user id of the operator")
	name := flag.String("name", "", "display name")
	role := flag.String("role", auth.RoleOrganizer, "admin, organizer or viewer")
	hashKey := flag.String("hash-key", "", "print the bcrypt hash of a tracker API key and exit")
	flag.Parse()

	if *hashKey != "" {
		h, err := utils.HashSecret(*hashKey)
		if err != nil {
			fail(err)
		}
		fmt.Println(h)
		return
	}

	if !utils.IsDiscordID(*user) {
		fail(fmt.Errorf("-user must be a Discord id"))
	}
	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}
	tok, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours).Generate(*user, *name, *role)
	if err != nil {
		fail(err)
	}
	fmt.Println(tok)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "tokengen:", err)
	os.Exit(1)
}
