// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is the default config path. It does not need to exist,
// default values for all parameters will be used instead.
const DefaultPath = "/etc/gospd/config.toml"

var Cfg Config

// Configuration structure for the program. We use toml format for
// file-based configuration and also all configuration options can be
// overriden by environment variable specified in this structure.
type Config struct {
	Endpoint string `toml:"endpoint" env:"GOSPD_ENDPOINT" env-default:"" env-description:"Transport endpoint. Empty for the default socket, a socket path, or a pipe style name."`
	Backend  string `toml:"backend" env:"GOSPD_BACKEND" env-default:"ram" env-description:"Backend implementation: ram, file, null or s3."`
	Threads  int    `toml:"threads" env:"GOSPD_THREADS" env-default:"0" env-description:"Number of dispatch goroutines. Zero picks a default from the available concurrency."`

	Size      int64  `toml:"size" env:"GOSPD_SIZE" env-default:"8" env-description:"Device size in GB."`
	BlockSize uint32 `toml:"block_size" env:"GOSPD_BLOCKSIZE" env-default:"4096" env-description:"Block size, 512 or 4096."`

	WriteProtect bool   `toml:"write_protect" env:"GOSPD_WRITEPROTECT" env-default:"false" env-description:"Expose the unit write protected."`
	Cache        bool   `toml:"cache" env:"GOSPD_CACHE" env-default:"true" env-description:"Report cache support and accept flush requests."`
	Unmap        bool   `toml:"unmap" env:"GOSPD_UNMAP" env-default:"true" env-description:"Report unmap support."`
	ProductID    string `toml:"product_id" env:"GOSPD_PRODUCTID" env-default:"gospd disk" env-description:"Product id reported to the peer, up to 16 characters."`
	ProductRev   string `toml:"product_rev" env:"GOSPD_PRODUCTREV" env-default:"1.0" env-description:"Product revision reported to the peer, up to 4 characters."`

	DebugLog uint32 `toml:"debug_log" env:"GOSPD_DEBUGLOG" env-default:"0" env-description:"Debug log mask: bit 0 traces requests, bit 1 traces responses."`

	File struct {
		Path   string `toml:"path" env:"GOSPD_FILE_PATH" env-default:"/var/lib/gospd/disk.img" env-description:"Backing file or raw device for the file backend."`
		Direct bool   `toml:"direct" env:"GOSPD_FILE_DIRECT" env-default:"false" env-description:"Open the backing file with O_DIRECT."`
	} `toml:"file"`

	S3 struct {
		Bucket      string `toml:"bucket" env:"GOSPD_S3_BUCKET" env-description:"S3 Bucket name." env-default:"gospd"`
		Remote      string `toml:"remote" env:"GOSPD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"GOSPD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"GOSPD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"GOSPD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		ChunkBlocks uint32 `toml:"chunk_blocks" env:"GOSPD_S3_CHUNKBLOCKS" env-description:"Blocks per object." env-default:"256"`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"GOSPD_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"GOSPD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"GOSPD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"GOSPD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads the configuration file and the environment variables.
// The configuration file has the lower priotiry and the environment
// variables have the highest priority. It is perfetcly to fine to use
// just one of these or to combine them. After reading it does some values
// postprocessing and fills the Cfg structure.
func Configure(path string) error {
	if err := cleanenv.ReadConfig(path, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024

	if Cfg.BlockSize != 512 {
		Cfg.BlockSize = 4096
	}

	return nil
}

// Usage returns the environment variable help generated from the Cfg
// structure, for embedding into the command help text.
func Usage() string {
	help, err := cleanenv.GetDescription(&Cfg, nil)
	if err != nil {
		return ""
	}
	return help
}
