// Package common contains shared constants and sentinel errors used across
// lifemanager components.
package common

import "time"

// AccessTokenHeaderName is the gRPC metadata key used to carry the control
// token on requests to the sync daemon.
const AccessTokenHeaderName = "access_token"

// OAuth loopback callback. Google desktop clients register this redirect URI,
// so the port is fixed.
const (
	CallbackAddr = "127.0.0.1:8085"
	CallbackPath = "/callback"
	RedirectURL  = "http://localhost:8085/callback"
)

// MinTokenLifetime is the default minimum remaining lifetime of an access
// token handed to a remote adapter.
const MinTokenLifetime = 60 * time.Second

// Files kept in the data directory.
const (
	DatabaseFileName      = "lifemanager.db"
	LogFileName           = "lifemanager.log"
	ControlSecretFileName = "control.secret"
	SealKeyFileName       = "tokens.key"
)
