package obcli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/osutil"
	"github.com/spf13/cobra"
)

const configFilename = "obsync-config.json"

type ClientConfig struct {
	StorageRoot string `json:"storage_root"` // local encrypted storage root directory
	KeyHex      string `json:"key_hex"`      // 32-byte master content key, hex
	Remote      string `json:"remote"`       // bucket:region:accessKeyId:secret[:prefix]
	ApiAddr     string `json:"api_addr"`     // example: "localhost:4486"
	Schedule    string `json:"schedule"`     // sync sweep cron schedule, example: "@every 1m"
}

func (c *ClientConfig) Key() ([]byte, error) {
	key, err := hex.DecodeString(c.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("key_hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key_hex: need 32 bytes, got %d", len(key))
	}

	return key, nil
}

func WriteConfig(conf *ClientConfig) error {
	confPath, err := ConfigFilePath()
	if err != nil {
		return err
	}

	return jsonfile.Write(confPath, conf)
}

func ReadConfig() (*ClientConfig, error) {
	confPath, err := ConfigFilePath()
	if err != nil {
		return nil, fmt.Errorf("obsync config: %v", err)
	}

	conf := &ClientConfig{}
	if err := jsonfile.Read(confPath, conf, true); err != nil {
		return nil, fmt.Errorf("obsync config: %v", err)
	}

	return conf, nil
}

func ConfigFilePath() (string, error) {
	usersHomeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(usersHomeDirectory, configFilename), nil
}

func configInitEntrypoint() *cobra.Command {
	apiAddr := "localhost:4486"
	schedule := "@every 1m"

	cmd := &cobra.Command{
		Use:   "config-init [storageRoot] [keyHex] [remote]",
		Short: "Initialize configuration. remote format: bucket:region:accessKeyId:secret[:prefix]",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			confPath, err := ConfigFilePath()
			osutil.ExitIfError(err)

			exists, err := fileexists.Exists(confPath)
			osutil.ExitIfError(err)

			if exists {
				osutil.ExitIfError(errors.New("config file already exists"))
			}

			conf := &ClientConfig{
				StorageRoot: args[0],
				KeyHex:      args[1],
				Remote:      args[2],
				ApiAddr:     apiAddr,
				Schedule:    schedule,
			}

			// catch a bad key before it is committed to the config
			_, err = conf.Key()
			osutil.ExitIfError(err)

			osutil.ExitIfError(WriteConfig(conf))
		},
	}

	cmd.Flags().StringVarP(&apiAddr, "api-addr", "", apiAddr, "Address for the local status API")
	cmd.Flags().StringVarP(&schedule, "schedule", "", schedule, "Sync sweep schedule")

	return cmd
}

func configPrintEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "config-print",
		Short: "Prints path to config file & its contents",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			confPath, err := ConfigFilePath()
			osutil.ExitIfError(err)

			fmt.Printf("file: %s\n", confPath)

			exists, err := fileexists.Exists(confPath)
			osutil.ExitIfError(err)

			if !exists {
				fmt.Printf(".. does not exist. To configure, run:\n    $ %s config-init\n", os.Args[0])
				return
			}

			file, err := os.Open(confPath)
			osutil.ExitIfError(err)
			defer file.Close()

			_, err = io.Copy(os.Stdout, file)
			osutil.ExitIfError(err)
		},
	}
}
