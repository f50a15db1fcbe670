package splitlora

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/schollz/progressbar/v3"

	"github.com/conneroisu/splitgen/pkg/data"
	"github.com/conneroisu/splitgen/pkg/llama"
	"github.com/conneroisu/splitgen/pkg/lm"
	"github.com/conneroisu/splitgen/pkg/named"
	"github.com/conneroisu/splitgen/pkg/prng"
	"github.com/conneroisu/splitgen/pkg/text"
	"github.com/conneroisu/splitgen/pkg/tokenizer"
)

var (
	// ErrNoAccelerator is returned when a run requires an accelerator; this build
	// computes on the CPU only.
	ErrNoAccelerator = errors.New("no accelerator available")
	// ErrUnsupported is returned for features that need external components.
	ErrUnsupported = errors.New("unsupported")
)

// Summary reports what a run did.
type Summary struct {
	Steps     int
	TrainLoss []float32
	// EvalLoss is nil when no validation set is configured.
	EvalLoss       *float32
	EvalBatches    int
	ParameterCount int
	TrainableCount int
	Elapsed        time.Duration
}

type options struct {
	out io.Writer
}

// Option customizes Main.
type Option func(*options)

// WithOutput sends progress and tracker output to w instead of standard error.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// Main runs cfg: it builds the tokenizer, the dataset splits and the adapted model,
// then reports the masked next-token loss of every training batch and of the
// validation batches. Parameter updates are left to an external optimizer.
func Main(ctx context.Context, cfg TrainLmConfig, opts ...Option) (*Summary, error) {
	o := options{out: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Trainer.RequireAccelerator {
		return nil, ErrNoAccelerator
	}
	if cfg.Trainer.Ray.AutoStartCluster {
		log.Warn("cluster auto start requested, running locally")
	}
	if cfg.InitializeFromHF != "" {
		return nil, fmt.Errorf("%w: initializing from %q", ErrUnsupported, cfg.InitializeFromHF)
	}
	start := time.Now()

	tok, err := cfg.Data.LoadTokenizer()
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	var btOpts []text.Option
	if eos, ok := tok.TokenID(tokenizer.EndOfText); ok {
		btOpts = append(btOpts, text.WithEnforceEOS(eos))
	} else {
		log.Warn("tokenizer has no end of text token, documents will run together")
	}
	bt := text.NewBatchTokenizer(tok, btOpts...)

	train, err := cfg.Data.TrainSet(ctx, cfg.Model.SeqLen, bt)
	if err != nil {
		return nil, err
	}
	validation, err := cfg.Data.ValidationSet(ctx, cfg.Model.SeqLen, bt)
	if err != nil {
		return nil, err
	}

	vocab := named.Axis{Name: "vocab", Size: tok.VocabSize()}
	base, err := llama.Init(vocab, cfg.Model, prng.NewKey(cfg.Trainer.Seed))
	if err != nil {
		return nil, err
	}
	model, err := cfg.Model.Loraize(base, prng.NewKey(cfg.LoraSeed))
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		ParameterCount: model.ParameterCount(),
		TrainableCount: model.TrainableParameterCount(),
	}
	log.Info("model ready",
		"parameters", summary.ParameterCount,
		"trainable", summary.TrainableCount,
		"train_windows", train.Len())

	track, err := cfg.Trainer.Tracker.New(o.out)
	if err != nil {
		return nil, err
	}
	defer track.Finish()

	batch := named.Axis{Name: "batch", Size: cfg.Trainer.TrainBatchSize}
	key := prng.NewKey(cfg.Trainer.Seed).Fold(1)
	bar := progressbar.NewOptions(cfg.Trainer.NumTrainSteps,
		progressbar.OptionSetWriter(o.out),
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	for step := 0; step < cfg.Trainer.NumTrainSteps; step++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		ex, err := train.NextBatch(batch)
		if err != nil {
			return summary, err
		}
		loss, err := lm.ComputeNextTokenLoss(model, ex, key.Fold(uint64(step)), lm.ReduceMean)
		if err != nil {
			return summary, fmt.Errorf("step %d: %w", step, err)
		}
		summary.TrainLoss = append(summary.TrainLoss, loss)
		summary.Steps++
		track.LogMetrics(step, map[string]float64{"train/loss": float64(loss)})
		bar.Describe(fmt.Sprintf("Training [loss %.4f]", loss))
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	if validation != nil {
		loss, n, err := evaluate(ctx, model, validation, batch, cfg.Trainer.MaxEvalBatches)
		if err != nil {
			return summary, fmt.Errorf("evaluating: %w", err)
		}
		summary.EvalLoss = &loss
		summary.EvalBatches = n
		track.LogMetrics(summary.Steps, map[string]float64{"eval/loss": float64(loss)})
	}
	summary.Elapsed = time.Since(start)

	metrics := map[string]float64{
		"steps":     float64(summary.Steps),
		"trainable": float64(summary.TrainableCount),
	}
	if summary.EvalLoss != nil {
		metrics["eval/loss"] = float64(*summary.EvalLoss)
	}
	track.LogSummary(metrics)
	return summary, nil
}

// evaluate returns the mean loss over at most maxBatches batches of ds, or all of it
// when maxBatches is zero.
func evaluate(ctx context.Context, model lm.LmHeadModel, ds *data.TokenSeqDataset, batch named.Axis, maxBatches int) (float32, int, error) {
	n := max(1, ds.Len()/batch.Size)
	if maxBatches > 0 {
		n = min(n, maxBatches)
	}
	ds.Reset()
	var total float64
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return 0, i, err
		}
		ex, err := ds.NextBatch(batch)
		if err != nil {
			return 0, i, err
		}
		loss, err := lm.ComputeNextTokenLoss(model, ex, prng.NewKey(0), lm.ReduceMean)
		if err != nil {
			return 0, i, err
		}
		total += float64(loss)
	}
	return float32(total / float64(n)), n, nil
}
