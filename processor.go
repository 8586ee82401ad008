package taskwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/xqbumu/go-taskwire/compute"
)

const (
	DirectionClockwise        = string(compute.Clockwise)
	DirectionCounterClockwise = string(compute.CounterClockwise)
)

// Processor executes task requests and keeps aggregate statistics.
// It is safe for concurrent use.
type Processor struct {
	config  ProcessorConfig
	logger  *slog.Logger
	metrics metrics
}

// NewProcessor creates a Processor using the WithOption pattern.
func NewProcessor(opts ...ProcessorOption) *Processor {
	config := NewProcessorConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Generator == nil {
		config.Generator = compute.NewRandGenerator()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{config: config, logger: logger}
}

// Stats returns a snapshot of the processor's counters.
func (p *Processor) Stats() Stats {
	return p.metrics.snapshot()
}

// Process runs req and always returns a response. Parameter errors and
// panics inside a task are reported as a failed response.
// Cancelling ctx interrupts the simulated delay.
func (p *Processor) Process(ctx context.Context, req TaskRequest) (resp TaskResponse) {
	start := time.Now()
	p.metrics.begin()

	defer func() {
		if r := recover(); r != nil {
			err := PanicError{Value: r}
			p.logger.Error("Task panicked", "task_kind", req.Kind, "panic", r)
			resp = TaskResponse{Success: false, ErrorMessage: err.Error()}
		}
		elapsed := time.Since(start)
		resp.ExecutionTime = elapsed.Seconds()
		p.metrics.finish(elapsed, resp.Success)
	}()

	p.logger.Debug("Processing task", "task_kind", req.Kind, "description", req.Describe())

	if err := p.simulateLatency(ctx); err != nil {
		return failure(err)
	}

	result, err := p.execute(req)
	if err != nil {
		p.logger.Debug("Task failed", "task_kind", req.Kind, "error", err)
		return failure(err)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return failure(fmt.Errorf("marshal %s result: %w", req.Kind, err))
	}
	return TaskResponse{Success: true, Result: b}
}

func failure(err error) TaskResponse {
	return TaskResponse{Success: false, ErrorMessage: err.Error()}
}

func (p *Processor) simulateLatency(ctx context.Context) error {
	lo, hi := p.config.MinLatency, p.config.MaxLatency
	if hi <= 0 {
		return nil
	}
	d := lo
	if hi > lo {
		d += time.Duration(rand.Int64N(int64(hi - lo + 1)))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task interrupted: %w", ctx.Err())
	}
}

func (p *Processor) execute(req TaskRequest) (any, error) {
	switch req.Kind {
	case TaskSumArrays:
		var params SumArraysParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if params.Array1 == nil || params.Array2 == nil {
			return nil, missingParam(req.Kind, "array1 and array2")
		}
		sum, err := compute.SumArrays(params.Array1, params.Array2)
		if err != nil {
			return nil, paramError(err)
		}
		return SumArraysResult{Result: sum, InputSize: len(params.Array1), ResultSize: len(sum)}, nil

	case TaskRotateMatrix:
		var params RotateMatrixParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if params.Matrix == nil {
			return nil, missingParam(req.Kind, "matrix")
		}
		dir, err := compute.ParseDirection(params.Direction)
		if err != nil {
			return nil, paramError(err)
		}
		rows, cols, err := compute.Dimensions(params.Matrix)
		if err != nil {
			return nil, paramError(err)
		}
		rotated, err := compute.Rotate(params.Matrix, dir)
		if err != nil {
			return nil, paramError(err)
		}
		return RotateMatrixResult{
			Result:             rotated,
			OriginalDimensions: fmt.Sprintf("%dx%d", rows, cols),
			ResultDimensions:   fmt.Sprintf("%dx%d", cols, rows),
			Direction:          string(dir),
		}, nil

	case TaskCommonNumbers:
		var params CommonNumbersParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if params.Array1 == nil || params.Array2 == nil {
			return nil, missingParam(req.Kind, "array1 and array2")
		}
		common := compute.CommonNumbers(params.Array1, params.Array2)
		return CommonNumbersResult{
			Result:      common,
			CommonCount: len(common),
			InputSizes:  [2]int{len(params.Array1), len(params.Array2)},
		}, nil

	case TaskGenerateArray:
		var params GenerateArrayParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		size, lo, hi := intOr(params.Size, 10), intOr(params.MinVal, 1), intOr(params.MaxVal, 100)
		arr, err := p.config.Generator.Array(size, lo, hi)
		if err != nil {
			return nil, paramError(err)
		}
		lo, hi, _ = compute.MinMax(arr)
		return GenerateArrayResult{Array: arr, Size: len(arr), Min: lo, Max: hi}, nil

	case TaskGenerateMatrix:
		var params GenerateMatrixParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		rows, cols := intOr(params.Rows, 3), intOr(params.Cols, 3)
		lo, hi := intOr(params.MinVal, 1), intOr(params.MaxVal, 10)
		m, err := p.config.Generator.Matrix(rows, cols, lo, hi)
		if err != nil {
			return nil, paramError(err)
		}
		lo, hi, _ = compute.MinMax(slices.Concat(m...))
		return GenerateMatrixResult{
			Matrix:        m,
			Rows:          rows,
			Cols:          cols,
			Dimensions:    fmt.Sprintf("%dx%d", rows, cols),
			TotalElements: rows * cols,
			Min:           lo,
			Max:           hi,
		}, nil

	case TaskValidateData:
		var params ValidateDataParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return validate(params), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTaskKind, req.Kind)
}

func validate(params ValidateDataParams) ValidateDataResult {
	if params.Type == "" {
		params.Type = "array"
	}
	var data any = []any{}
	if len(params.Data) > 0 && !bytes.Equal(params.Data, []byte("null")) {
		if err := json.Unmarshal(params.Data, &data); err != nil {
			return ValidateDataResult{DataType: params.Type, Error: err.Error()}
		}
	}
	switch params.Type {
	case "array":
		size, ok := compute.ValidateArray(data)
		return ValidateDataResult{IsValid: ok, DataType: params.Type, Size: size}
	case "matrix":
		rows, cols, ok := compute.ValidateMatrix(data)
		return ValidateDataResult{IsValid: ok, DataType: params.Type, Rows: rows, Cols: cols}
	}
	return ValidateDataResult{DataType: params.Type, Error: fmt.Sprintf("unknown data type %q", params.Type)}
}

func decodeParams(req TaskRequest, v any) error {
	if len(req.Parameters) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Parameters, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrParameter, req.Kind, err)
	}
	return nil
}

func missingParam(kind TaskKind, name string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrParameter, kind, name)
}

func paramError(err error) error {
	if errors.Is(err, compute.ErrInvalidInput) {
		return fmt.Errorf("%w: %v", ErrParameter, err)
	}
	return err
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
