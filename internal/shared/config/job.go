package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/spf13/viper"

	"github.com/morf-project/morf/internal/core"
)

const DefaultDataDir = "morf-data/"

var DefaultStages = []core.Mode{
	core.ModeExtract,
	core.ModeExtractHoldout,
	core.ModeTrain,
	core.ModeTest,
	core.ModeEvaluate,
}

// JobConfig is the validated, read-only configuration of one MORF job.
type JobConfig struct {
	AWS      AWSConfig         `mapstructure:"aws"`
	Client   ClientConfig      `mapstructure:"client"`
	Server   ServerConfig      `mapstructure:"server"`
	Workflow WorkflowConfig    `mapstructure:"workflow"`
	Cache    CacheConfig       `mapstructure:"cache"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Data     map[string]string `mapstructure:"data"`
	Args     map[string]string `mapstructure:"args"`

	// Derived at load time.
	MorfID         string      `mapstructure:"-"`
	RawDataBuckets []string    `mapstructure:"-"`
	Stages         []core.Mode `mapstructure:"-"`
	Level          core.Level  `mapstructure:"-"`
	Combined       []byte      `mapstructure:"-"`
}

// AWSConfig contains credentials and the processed-data bucket.
type AWSConfig struct {
	AccessKeyID     string `mapstructure:"aws_access_key_id"`
	SecretAccessKey string `mapstructure:"aws_secret_access_key"`
	Region          string `mapstructure:"region"`
	ProcDataBucket  string `mapstructure:"proc_data_bucket"`
}

// ClientConfig identifies the submitting user and their workload.
type ClientConfig struct {
	UserID    string `mapstructure:"user_id"`
	JobID     string `mapstructure:"job_id"`
	EmailTo   string `mapstructure:"email_to"`
	DockerURL string `mapstructure:"docker_url"`
}

// ServerConfig describes the host running the job.
type ServerConfig struct {
	LocalWorkingDirectory string `mapstructure:"local_working_directory"`
	CacheDir              string `mapstructure:"cache_dir"`
	LoggingDir            string `mapstructure:"logging_dir"`
	DockerExec            string `mapstructure:"docker_exec"`
	MaxNumCores           int    `mapstructure:"max_num_cores"`
	HashSecret            string `mapstructure:"hash_secret"`
	EmailFrom             string `mapstructure:"email_from"`
	LedgerPath            string `mapstructure:"ledger_path"`
	NoCache               bool   `mapstructure:"no_cache"`
	NoMorfCache           bool   `mapstructure:"no_morf_cache"`
}

// WorkflowConfig selects which stages run and at which level.
type WorkflowConfig struct {
	Stages    string `mapstructure:"stages"`
	Level     string `mapstructure:"level"`
	LabelType string `mapstructure:"label_type"`
	NTrain    int    `mapstructure:"n_train"`
	DataDir   string `mapstructure:"data_dir"`
}

// CacheConfig drives the standalone cache refresher.
type CacheConfig struct {
	Schedule   string `mapstructure:"schedule"`
	IncludeJob bool   `mapstructure:"include_job"`
}

func setJobDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("server.local_working_directory", os.TempDir())
	v.SetDefault("server.docker_exec", "docker")
	v.SetDefault("server.max_num_cores", 0)
	v.SetDefault("server.email_from", "morf-alerts@umich.edu")
	v.SetDefault("server.no_cache", false)
	v.SetDefault("server.no_morf_cache", false)
	v.SetDefault("workflow.level", string(core.LevelCourse))
	v.SetDefault("workflow.label_type", "dropout")
	v.SetDefault("workflow.n_train", 1)
	v.SetDefault("workflow.data_dir", DefaultDataDir)
	v.SetDefault("logging.level", "info")
}

// LoadJob merges the given INI files (typically client then server config)
// and returns a validated job configuration. Environment variables with the
// MORF_ prefix override file values.
func LoadJob(paths ...string) (*JobConfig, error) {
	cfg, err := load(paths)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCache loads the same files as LoadJob but only requires what the cache
// refresher needs.
func LoadCache(paths ...string) (*JobConfig, error) {
	cfg, err := load(paths)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateCache(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(paths []string) (*JobConfig, error) {
	data, err := combineFiles(paths)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setJobDefaults(v)
	if err := readINI(v, data, "MORF"); err != nil {
		return nil, err
	}

	var cfg JobConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Combined = data
	cfg.MorfID = md5Hex(data)
	return &cfg, nil
}

// Validate checks every field a job needs and derives buckets, stages and level.
func (c *JobConfig) Validate() error {
	problems := &core.ConfigError{}
	if c.Client.UserID == "" {
		problems.Add("client.user_id is required")
	}
	if c.Client.JobID == "" {
		problems.Add("client.job_id is required")
	}
	if c.Client.DockerURL == "" {
		problems.Add("client.docker_url is required")
	}
	if c.AWS.ProcDataBucket == "" {
		problems.Add("aws.proc_data_bucket is required")
	}
	if c.Server.MaxNumCores < 0 {
		problems.Add("server.max_num_cores must not be negative")
	}
	if c.Workflow.NTrain < 1 {
		problems.Add("workflow.n_train must be at least 1")
	}
	c.validateData(problems)

	level, err := core.ParseLevel(c.Workflow.Level)
	if err != nil {
		problems.Add("workflow.level: %v", err)
	}
	c.Level = level

	c.Stages = nil
	stages := splitList(c.Workflow.Stages)
	if len(stages) == 0 {
		c.Stages = append(c.Stages, DefaultStages...)
	}
	for _, s := range stages {
		mode, err := core.ParseMode(s)
		if err != nil {
			problems.Add("workflow.stages: %v", err)
			continue
		}
		c.Stages = append(c.Stages, mode)
	}
	if c.needsLabels() {
		if err := core.CheckLabelType(c.Workflow.LabelType); err != nil {
			problems.Add("workflow.label_type: %v", err)
		}
	}
	return problems.OrNil()
}

// ValidateCache requires only the data buckets and a cache directory.
func (c *JobConfig) ValidateCache() error {
	problems := &core.ConfigError{}
	if c.Server.CacheDir == "" {
		problems.Add("server.cache_dir is required")
	}
	if c.Cache.IncludeJob && (c.Client.UserID == "" || c.Client.JobID == "" || c.AWS.ProcDataBucket == "") {
		problems.Add("cache.include_job needs client.user_id, client.job_id and aws.proc_data_bucket")
	}
	c.validateData(problems)
	return problems.OrNil()
}

// validateData turns [data] entries into bucket names. Every entry must point
// at exactly the configured data directory.
func (c *JobConfig) validateData(problems *core.ConfigError) {
	c.RawDataBuckets = nil
	if len(c.Data) == 0 {
		problems.Add("[data] must name at least one raw data bucket")
		return
	}
	institutions := make([]string, 0, len(c.Data))
	for name := range c.Data {
		institutions = append(institutions, name)
	}
	sort.Strings(institutions)

	seen := map[string]bool{}
	for _, name := range institutions {
		url := c.Data[name]
		bucket, dir, err := core.ParseS3URL(url)
		if err != nil {
			problems.Add("data.%s: %v", name, err)
			continue
		}
		if dir != c.Workflow.DataDir {
			problems.Add("data.%s: path %s does not match required directory name %s", name, url, c.Workflow.DataDir)
			continue
		}
		if !seen[bucket] {
			seen[bucket] = true
			c.RawDataBuckets = append(c.RawDataBuckets, bucket)
		}
	}
}

func (c *JobConfig) needsLabels() bool {
	for _, s := range c.Stages {
		switch s {
		case core.ModeTrain, core.ModeTest, core.ModeCV, core.ModeEvaluate:
			return true
		}
	}
	return false
}

// Identity is the job identity before any stage has set a mode.
func (c *JobConfig) Identity() core.JobIdentity {
	return core.JobIdentity{
		UserID: c.Client.UserID,
		JobID:  c.Client.JobID,
		MorfID: c.MorfID,
	}
}

// NumWorkers is max_num_cores, or one less than half the CPUs (at least 1).
func (c *JobConfig) NumWorkers() int {
	if c.Server.MaxNumCores > 0 {
		return c.Server.MaxNumCores
	}
	return max(runtime.NumCPU()/2-1, 1)
}
