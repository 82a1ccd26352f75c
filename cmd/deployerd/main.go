package main

import (
	"encoding/json"
	_ "net/http/pprof"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/textileio/deploy-core/cmd/common"
	"github.com/textileio/deploy-core/cmd/deployerd/negotiator"
	"github.com/textileio/deploy-core/cmd/deployerd/orchestrator"
	"github.com/textileio/deploy-core/cmd/deployerd/queue"
	"github.com/textileio/deploy-core/cmd/deployerd/service"
	corecommon "github.com/textileio/deploy-core/common"
	"github.com/textileio/deploy-core/manifest"
	"github.com/textileio/deploy-core/msgbroker"
	"github.com/textileio/deploy-core/msgbroker/gpubsub"
	golog "github.com/textileio/go-log/v2"
)

var (
	daemonName = "deployerd"
	log        = golog.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []common.Flag{
		{Name: "http-addr", DefValue: ":8888", Description: "HTTP API listen address"},
		{Name: "grpc-addr", DefValue: ":5000", Description: "gRPC health listen address"},
		{Name: "postgres-uri", DefValue: "", Description: "PostgreSQL database uri"},
		{Name: "vault-key", DefValue: "", Description: "Secret used to seal channel credentials"},

		{Name: "marketplace-api-url", DefValue: "", Description: "Marketplace API base URL"},
		{Name: "marketplace-api-key", DefValue: "", Description: "Marketplace API key"},
		{Name: "marketplace-request-timeout", DefValue: time.Second * 30, Description: "Timeout of a single marketplace request"},
		{Name: "marketplace-max-attempts", DefValue: 3, Description: "Attempts of a marketplace call on transient errors"},
		{Name: "marketplace-retry-base-delay", DefValue: time.Second, Description: "Base delay between marketplace call attempts"},

		{Name: "bid-timeout", DefValue: time.Minute * 5, Description: "Maximum time waiting for bids"},
		{Name: "bid-poll-interval", DefValue: time.Second * 10, Description: "Interval between bid polls"},
		{Name: "bid-max-attempts", DefValue: 30, Description: "Maximum number of bid polls"},
		{Name: "lease-max-retries", DefValue: 2, Description: "Retries of a bid whose lease creation failed"},
		{Name: "lease-retry-base-delay", DefValue: time.Second * 2, Description: "Base delay between lease retries of a bid"},
		{Name: "blacklist-cooldown", DefValue: time.Hour * 24, Description: "How long an unavailable provider is excluded"},
		{Name: "fallback-url", DefValue: "https://console.akash.network/deployments/" + orchestrator.FallbackURLPlaceholder,
			Description: "Service URL used when the marketplace publishes none"},

		{Name: "max-concurrency", DefValue: 10, Description: "Maximum number of deployments processed concurrently"},
		{Name: "maintenance-freq", DefValue: time.Minute * 5, Description: "Frequency of blacklist cleanup and stuck deployment reaping"},
		{Name: "stuck-deployment-timeout", DefValue: time.Minute * 30, Description: "Age after which a deploying deployment is failed"},

		{Name: "image", DefValue: "", Description: "Workload container image"},
		{Name: "cpu-units", DefValue: 0.5, Description: "Workload CPU units"},
		{Name: "memory-size", DefValue: "512Mi", Description: "Workload memory size"},
		{Name: "storage-size", DefValue: "1Gi", Description: "Workload storage size"},
		{Name: "service-port", DefValue: 8080, Description: "Workload exposed port"},
		{Name: "pricing-denom", DefValue: "uakt", Description: "Workload pricing denomination"},
		{Name: "pricing-amount", DefValue: uint64(1000), Description: "Workload maximum price per block"},

		{Name: "gpubsub-project-id", DefValue: "", Description: "Google PubSub project id"},
		{Name: "gpubsub-api-key", DefValue: "", Description: "Google PubSub API key"},
		{Name: "msgbroker-topic-prefix", DefValue: "", Description: "Topic prefix to use for msg broker topics"},

		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	common.ConfigureCLI(v, "DEPLOYER", flags, rootCmd)
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "deployerd provisions paid workloads on a decentralized compute marketplace",
	Long:  "deployerd provisions paid workloads on a decentralized compute marketplace",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, []string{
			daemonName,
			"deployer/service",
			"deployer/http-api",
			"deployer/queue",
			"deployer/orchestrator",
			"deployer/negotiator",
			"deployer/marketplace",
			"deployer/blacklist",
			"deployer/store",
			"msgbroker",
			"gpubsub",
		})
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := json.MarshalIndent(redacted(v.AllSettings()), "", "  ")
		common.CheckErr(err)
		log.Infof("loaded config: %s", string(settings))

		err = corecommon.SetupInstrumentation(v.GetString("metrics-addr"))
		common.CheckErrf("booting instrumentation: %v", err)

		var mb msgbroker.MsgBroker
		var closeMsgBroker func() error
		if projectID := v.GetString("gpubsub-project-id"); projectID != "" {
			ps, err := gpubsub.New(projectID, v.GetString("gpubsub-api-key"), v.GetString("msgbroker-topic-prefix"), daemonName)
			common.CheckErrf("creating google pubsub client: %s", err)
			mb, closeMsgBroker = ps, ps.Close
		}

		qconf := queue.DefaultConfig
		qconf.MaxConcurrency = v.GetInt("max-concurrency")

		config := service.Config{
			HTTPListenAddr: v.GetString("http-addr"),
			GRPCListenAddr: v.GetString("grpc-addr"),

			PostgresURI: v.GetString("postgres-uri"),
			VaultKey:    v.GetString("vault-key"),

			MarketplaceAPIURL:         v.GetString("marketplace-api-url"),
			MarketplaceAPIKey:         v.GetString("marketplace-api-key"),
			MarketplaceRequestTimeout: v.GetDuration("marketplace-request-timeout"),
			MarketplaceMaxAttempts:    v.GetInt("marketplace-max-attempts"),
			MarketplaceRetryBaseDelay: v.GetDuration("marketplace-retry-base-delay"),

			Orchestrator: orchestrator.Config{
				Manifest: manifest.Params{
					ServiceName:   "bot",
					Image:         v.GetString("image"),
					CPUUnits:      v.GetFloat64("cpu-units"),
					MemorySize:    v.GetString("memory-size"),
					StorageSize:   v.GetString("storage-size"),
					Port:          v.GetUint32("service-port"),
					PricingDenom:  v.GetString("pricing-denom"),
					PricingAmount: v.GetUint64("pricing-amount"),
				},
				BidTimeout:      v.GetDuration("bid-timeout"),
				BidPollInterval: v.GetDuration("bid-poll-interval"),
				BidMaxAttempts:  v.GetInt("bid-max-attempts"),
				FallbackURL:     v.GetString("fallback-url"),
			},
			Negotiator: negotiator.Config{
				MaxRetries:        v.GetInt("lease-max-retries"),
				RetryBaseDelay:    v.GetDuration("lease-retry-base-delay"),
				BlacklistCooldown: v.GetDuration("blacklist-cooldown"),
			},
			Queue: qconf,

			MaintenanceFreq:        v.GetDuration("maintenance-freq"),
			StuckDeploymentTimeout: v.GetDuration("stuck-deployment-timeout"),
		}
		serv, err := service.New(config, mb)
		common.CheckErrf("starting service: %v", err)

		log.Info("listening to requests...")

		common.HandleInterrupt(func() {
			if err := serv.Close(); err != nil {
				log.Errorf("closing service: %s", err)
			}
			if closeMsgBroker != nil {
				if err := closeMsgBroker(); err != nil {
					log.Errorf("closing message broker: %s", err)
				}
			}
		})
	},
}

func redacted(settings map[string]interface{}) map[string]interface{} {
	for _, k := range []string{"vault-key", "marketplace-api-key", "gpubsub-api-key", "postgres-uri"} {
		if s, ok := settings[k].(string); ok && s != "" {
			settings[k] = "<redacted>"
		}
	}
	return settings
}

func main() {
	common.CheckErr(common.LoadDotEnv(".env"))
	common.CheckErr(rootCmd.Execute())
}
