package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reid",
		Short: "reid runs the MRI skull-strip, registration and evaluation pipeline",
		Long: `reid converts DICOM studies to NIfTI, skull-strips T1 scans, registers
subjects onto target templates with FLIRT and FNIRT, and scores each
registration method by mutual information.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newConvertCmd(root))
	rootCmd.AddCommand(newSkullStripCmd(root))
	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newEvaluateCmd(root))
	rootCmd.AddCommand(newAggregateCmd(root))
	rootCmd.AddCommand(newResultsCmd(root))
	rootCmd.AddCommand(newAnonymizeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	rootCmd.SetOut(root.out)
	return rootCmd
}

func newConvertCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "convert [dicom_root] [raw_root]",
		Short: "Convert DICOM series to compressed NIfTI",
		Long: `Convert every <study>/<series> directory under the DICOM root with dcm2niix.
Output lands in <raw_root>/<patient>/<study date>/<series description>.nii.gz.
Series already converted are skipped.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dicomRoot, rawRoot := root.cfg.Paths.DicomDir, root.cfg.Paths.RawDir
			if len(args) > 0 {
				dicomRoot = args[0]
			}
			if len(args) > 1 {
				rawRoot = args[1]
			}
			return root.cmdConvert(cmd.Context(), dicomRoot, rawRoot)
		},
	}
}

func newSkullStripCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "skullstrip",
		Short: "Skull-strip one T1 scan per subject with BET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdSkullStrip(cmd.Context())
		},
	}
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		costs     []string
		nonlinear bool
	)

	cmd := &cobra.Command{
		Use:   "register <target>",
		Short: "Register skull-stripped subjects onto a target",
		Long: `Run FLIRT once per cost function (all six by default) and optionally FNIRT.
Subjects already registered are skipped; a subject directory held by another
run is reported as a conflict.

Examples:
  reid register MNI152
  reid register MNI152 --cost "Mutual Information" --cost leastsq
  reid register MNI152 --nonlinear`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRegister(cmd.Context(), args[0], costs, nonlinear)
		},
	}

	cmd.Flags().StringSliceVar(&costs, "cost", nil, "cost function name or flirt code (repeatable)")
	cmd.Flags().BoolVar(&nonlinear, "nonlinear", false, "also run nonlinear registration")
	return cmd
}

func newEvaluateCmd(root *Root) *cobra.Command {
	var (
		force    bool
		withCost bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate <target>",
		Short: "Score registered subjects and rebuild the results table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdEvaluate(cmd.Context(), args[0], force, withCost)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "recompute scores that already exist")
	cmd.Flags().BoolVar(&withCost, "cost-estimate", false, "also estimate registration cost with flirt -schedule")
	return cmd
}

func newAggregateCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <target>",
		Short: "Rebuild results.csv from persisted score files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdAggregate(args[0])
		},
	}
}

func newResultsCmd(root *Root) *cobra.Command {
	var subject, costFunction, metric string

	cmd := &cobra.Command{
		Use:   "results <target>",
		Short: "Print rows of the results table as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdResults(args[0], subject, costFunction, metric)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "only this subject")
	cmd.Flags().StringVar(&costFunction, "cost-function", "", "only this cost function")
	cmd.Flags().StringVar(&metric, "metric", "", "only this metric")
	return cmd
}

func newAnonymizeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "anonymize",
		Short: "Rename subject directories to random identifiers",
		Long: `Give every subject under the raw directory a random identifier and write
the mapping file. Refuses to run if the mapping file already exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdAnonymize(cmd.Context())
		},
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show availability of external tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools()
		},
	}
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent runs, or the subject outcomes of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return root.cmdRuns(id, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run ledger, results and live events over HTTP",
		Long: `Start a read-only HTTP server exposing runs, outcomes, results tables,
Prometheus metrics and a websocket stream of pipeline events.

Examples:
  reid serve
  reid serve --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dicom_root]",
		Short: "Convert DICOM series as they arrive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dicomRoot := root.cfg.Paths.DicomDir
			if len(args) == 1 {
				dicomRoot = args[0]
			}
			return root.cmdWatch(cmd.Context(), dicomRoot)
		},
	}
}

func newExportCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "export <target>",
		Short: "Upload a target's score files and results table to S3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdExport(cmd.Context(), args[0])
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
