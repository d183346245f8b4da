package relayer

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigOptions is used to configure the loading of config parameters by "relayerd relay".
type ConfigOptions struct {
	// FilePath is the path to a config file of any type supported by Viper. Optional.
	FilePath string

	// DotEnvPath is a .env file loaded into the environment before variables are read. A missing file is ignored.
	DotEnvPath string

	// EnvPrefix is prepended to flag names to find overriding environment variables: with "RELAYER", --ethRPC is
	// read from RELAYER_ETHRPC.
	EnvPrefix string

	// EnvAliases maps flag names to additional unprefixed environment variables.
	EnvAliases map[string]string
}

// legacyEnv names the environment variables earlier deployments were configured with.
var legacyEnv = map[string]string{
	"solanaAdminKey":         "SOLANA_ADMIN_PRIVATE_KEY",
	"ethAdminAddress":        "ETHEREUM_ADMIN_ADDRESS",
	"ethAdminKey":            "ETHEREUM_ADMIN_PRIVATE_KEY",
	"solanaRPC":              "SOLANA_RPC_ENDPOINT",
	"ethWS":                  "ETHEREUM_WSS_RPC_ENDPOINT",
	"ethRPC":                 "ETHEREUM_HTTP_RPC_ENDPOINT",
	"ethContract":            "ETH_BRIDGE_CONTRACT_ADDRESS",
	"solanaMint":             "SOL_VOIP_TOKEN_MINT",
	"solanaMigrationProgram": "SOL_MIGRATION_PROGRAM_ID",
}

// InitFileConfig initializes configuration according to the following precedence:
// 1. Command line flags
// 2. Environment variables (prefixed, then aliases)
// 3. Config file
// 4. Cobra default values
func InitFileConfig(cmd *cobra.Command, options ConfigOptions) error {
	if options.DotEnvPath != "" {
		// godotenv never overrides variables that are already set.
		_ = godotenv.Load(options.DotEnvPath)
	}

	v := viper.New()

	if options.FilePath != "" {
		v.SetConfigFile(options.FilePath)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	v.SetEnvPrefix(options.EnvPrefix)
	v.AutomaticEnv()

	for flag, env := range options.EnvAliases {
		if err := v.BindEnv(flag, env); err != nil {
			return err
		}
	}

	return bindFlags(cmd, v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			if setErr := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); setErr != nil {
				err = fmt.Errorf("failed to bind flag %s: %w", f.Name, setErr)
			}
		}
	})
	return err
}
