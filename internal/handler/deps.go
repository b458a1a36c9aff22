package handler

import (
	"relaychat/internal/app/chat"
	"relaychat/internal/app/user"
	"relaychat/internal/configs"
)

// AppDeps bundles the collaborators every handler may need. Users is nil
// when the relay runs without a database; the user routes are then not
// mounted.
type AppDeps struct {
	Gateway *chat.Gateway
	Config  *configs.AppConfig
	Users   *user.Directory
}
