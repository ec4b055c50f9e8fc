package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	log "github.com/sirupsen/logrus"
)

var (
	flagUsers        []string
	flagModels       []string
	flagUsersFile    string
	flagModelsFile   string
	flagConcurrency  int
	flagParallel     bool
	flagSkipExisting bool
	flagFilterPath   string
	flagNoProgress   bool
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Enumerate the configured inputs and download everything",
	Long: `Resolves user handles and model ids (from config, flags and list files)
into a durable task queue, then downloads model files, previews, galleries
and user-posted images with rate limiting, digest verification and resume.`,
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringSliceVarP(&flagUsers, "user", "u", nil, "User handle or profile URL (repeatable)")
	downloadCmd.Flags().StringSliceVarP(&flagModels, "model", "m", nil, "Model id or model URL (repeatable)")
	downloadCmd.Flags().StringVar(&flagUsersFile, "users-file", "", "File with one user per line")
	downloadCmd.Flags().StringVar(&flagModelsFile, "models-file", "", "File with one model id/URL per line")
	downloadCmd.Flags().IntVarP(&flagConcurrency, "concurrency", "c", 0, "Max concurrent downloads per pipeline (overrides config)")
	downloadCmd.Flags().BoolVar(&flagParallel, "parallel", false, "Run the image pipeline at full width alongside models")
	downloadCmd.Flags().BoolVar(&flagSkipExisting, "skip-existing", false, "Skip files that already exist by name, without hashing")
	downloadCmd.Flags().StringVar(&flagFilterPath, "base-model-filter", "", "Whitelist file of base model names (overrides config)")
	downloadCmd.Flags().BoolVar(&flagNoProgress, "no-progress", false, "Disable the live terminal progress view")

	viper.BindPFlag("download.concurrency", downloadCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("download.parallel", downloadCmd.Flags().Lookup("parallel"))
	viper.BindPFlag("download.skip_existing", downloadCmd.Flags().Lookup("skip-existing"))

	rootCmd.AddCommand(downloadCmd)
}

func applyDownloadFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("concurrency") && flagConcurrency > 0 {
		globalConfig.MaxConcurrentDownloads = flagConcurrency
	}
	if cmd.Flags().Changed("parallel") {
		globalConfig.ParallelMode = flagParallel
	}
	if cmd.Flags().Changed("skip-existing") {
		globalConfig.SkipExisting = flagSkipExisting
	}
	if cmd.Flags().Changed("base-model-filter") {
		globalConfig.BaseModelFilterPath = flagFilterPath
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	applyDownloadFlags(cmd)

	users, modelIDs, err := resolveInputs(globalConfig, flagUsers, flagModels, flagUsersFile, flagModelsFile)
	if err != nil {
		return err
	}
	if len(users) == 0 && len(modelIDs) == 0 {
		return &exitError{code: ExitFatal, msg: "no inputs: provide --user/--model flags, list files, or Inputs in the config"}
	}

	r, ctx, err := newRuntime(!flagNoProgress)
	if err != nil {
		return err
	}
	defer r.close()

	added, err := r.enum.Seed(users, modelIDs)
	if err != nil {
		log.WithError(err).Error("Seeding inputs failed")
		return &exitError{code: ExitFatal, msg: err.Error()}
	}
	log.Infof("Queue seeded: %d new metadata tasks for %d users and %d models", added, len(users), len(modelIDs))

	if code := r.run(ctx); code != ExitOK {
		return &exitError{code: code}
	}
	return nil
}
