package env

import (
	"github.com/thatsimonsguy/switchbox-controller/internal/config"
)

var Cfg *config.Config
