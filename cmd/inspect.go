package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/hardhat/internal/engine"
	"github.com/andresmejia3/hardhat/internal/utils"
	"github.com/andresmejia3/hardhat/internal/worker"
	"github.com/spf13/cobra"
)

var inspectOpts Options

var inspectCmd = &cobra.Command{
	Use:         "inspect <image_path>",
	Short:       "Check helmet compliance on a single still image",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{"db": dbNone},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runInspect(cmd.Context(), args[0], inspectOpts)
	},
}

func init() {
	addDetectorFlags(inspectCmd, &inspectOpts)
	inspectCmd.Flags().Float64Var(&inspectOpts.TopFraction, "top-fraction", engine.DefaultTopFraction, "Height fraction of the person box where a helmet center must fall")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(ctx context.Context, imagePath string, opts Options) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting detector...")
	// We use ID 0 for this ad-hoc worker
	w, err := worker.NewPythonWorker(ctx, 0, detectConfig(opts))
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing image...")
	persons, helmets, err := w.Detect(ctx, imgData)
	if err != nil {
		utils.ShowError("Detection failed", err, w.Cmd)
		return err
	}

	assoc, err := engine.Associate(persons, helmets, opts.TopFraction)
	if err != nil {
		utils.ShowError("Detector returned malformed boxes", err, nil)
		return err
	}
	writeInspectReport(os.Stdout, assoc)
	return nil
}

func writeInspectReport(out io.Writer, assoc *engine.Association) {
	if len(assoc.Statuses) == 0 {
		fmt.Fprintln(out, "❌ No tracked persons in the provided image.")
		if n := len(assoc.UnmatchedHelmets); n > 0 {
			fmt.Fprintf(out, "🪖 %d helmet(s) detected without a wearer.\n", n)
		}
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PERSON\tBOX\tCONF\tHELMET\tSTATUS")
	fmt.Fprintln(w, "------\t---\t----\t------\t------")
	for _, st := range assoc.Statuses {
		helmet, status := "-", "🚧 NO HELMET"
		if st.Compliant {
			helmet = fmt.Sprintf("%d (%.2f)", st.Helmet.HelmetID(), st.Helmet.Confidence)
			status = "🦺 OK"
		}
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%s\n", st.ID(), st.Person.Box, st.Person.Confidence, helmet, status)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d compliant, %d without helmet", assoc.CompliantCount(), assoc.NonCompliantCount())
	if ids := assoc.UnmatchedHelmetIDs(); len(ids) > 0 {
		fmt.Fprintf(out, ", unmatched helmets %v", ids)
	}
	fmt.Fprintln(out)
}
