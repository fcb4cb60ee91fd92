package cli

import (
	"strings"

	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// envKeys are bound explicitly because AutomaticEnv alone does not make
// Unmarshal see keys that appear in neither the config file nor defaults.
var envKeys = []string{
	"database.path",
	"media.dir",
	"server.addr",
	"log.level",
	"log.format",
	"workers.card",
	"dictionary.provider",
	"dictionary.seed_file",
	"image.provider",
	"audio.provider",
}

func bindEnv(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}
