package taskwire

import (
	"context"
	"encoding/json"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xqbumu/go-taskwire/compute"
)

func newTestProcessor(opts ...ProcessorOption) *Processor {
	return NewProcessor(append([]ProcessorOption{WithLatency(0, 0)}, opts...)...)
}

func mustRequest(t *testing.T, kind TaskKind, params any) TaskRequest {
	t.Helper()
	req, err := NewTaskRequest(kind, params)
	require.NoError(t, err)
	return req
}

func TestProcessorTasks(t *testing.T) {
	p := newTestProcessor(WithGenerator(compute.NewSeededGenerator(3, 4)))
	ctx := context.Background()

	t.Run("sum arrays", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskSumArrays, SumArraysParams{
			Array1: []float64{3, 1, 2},
			Array2: []float64{5, 2, 3},
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
		var res SumArraysResult
		require.NoError(t, resp.DecodeResult(&res))
		assert.Equal(t, []float64{5, 5, 6}, res.Result)
		assert.Equal(t, 3, res.InputSize)
		assert.Equal(t, 3, res.ResultSize)
	})

	t.Run("unequal sum arrays fails", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskSumArrays, SumArraysParams{
			Array1: []float64{1, 2, 3},
			Array2: []float64{1, 2},
		}))
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.ErrorMessage)
		assert.Empty(t, resp.Result)
	})

	t.Run("rotate defaults to clockwise", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskRotateMatrix, RotateMatrixParams{
			Matrix: [][]float64{{1, 2, 3}, {4, 5, 6}},
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
		var res RotateMatrixResult
		require.NoError(t, resp.DecodeResult(&res))
		assert.Equal(t, [][]float64{{4, 1}, {5, 2}, {6, 3}}, res.Result)
		assert.Equal(t, "2x3", res.OriginalDimensions)
		assert.Equal(t, "3x2", res.ResultDimensions)
		assert.Equal(t, DirectionClockwise, res.Direction)
	})

	t.Run("rotate ragged fails", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskRotateMatrix, RotateMatrixParams{
			Matrix: [][]float64{{1, 2}, {3}},
		}))
		assert.False(t, resp.Success)
		assert.Contains(t, resp.ErrorMessage, ErrParameter.Error())
	})

	t.Run("common numbers", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskCommonNumbers, CommonNumbersParams{
			Array1: []int64{123, 456, 123},
			Array2: []int64{321, 654},
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
		var res CommonNumbersResult
		require.NoError(t, resp.DecodeResult(&res))
		assert.Equal(t, []int64{123, 456}, res.Result)
		assert.Equal(t, 2, res.CommonCount)
		assert.Equal(t, [2]int{3, 2}, res.InputSizes)
	})

	t.Run("generate array defaults", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskGenerateArray, nil))
		require.True(t, resp.Success, resp.ErrorMessage)
		var res GenerateArrayResult
		require.NoError(t, resp.DecodeResult(&res))
		assert.Len(t, res.Array, 10)
		for _, v := range res.Array {
			assert.True(t, v >= 1 && v <= 100)
		}
		lo, hi, ok := compute.MinMax(res.Array)
		require.True(t, ok)
		assert.Equal(t, lo, res.Min)
		assert.Equal(t, hi, res.Max)
	})

	t.Run("generate reports bounds of the data", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskGenerateArray, GenerateArrayParams{
			Size: IntPtr(3), MinVal: IntPtr(1), MaxVal: IntPtr(1000),
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
		var arr GenerateArrayResult
		require.NoError(t, resp.DecodeResult(&arr))
		require.Len(t, arr.Array, 3)
		assert.Equal(t, slices.Min(arr.Array), arr.Min)
		assert.Equal(t, slices.Max(arr.Array), arr.Max)

		resp = p.Process(ctx, mustRequest(t, TaskGenerateMatrix, GenerateMatrixParams{
			Rows: IntPtr(2), Cols: IntPtr(3), MinVal: IntPtr(-50), MaxVal: IntPtr(50),
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
		var m GenerateMatrixResult
		require.NoError(t, resp.DecodeResult(&m))
		flat := slices.Concat(m.Matrix...)
		require.Len(t, flat, 6)
		assert.Equal(t, slices.Min(flat), m.Min)
		assert.Equal(t, slices.Max(flat), m.Max)

		resp = p.Process(ctx, mustRequest(t, TaskGenerateArray, GenerateArrayParams{Size: IntPtr(0)}))
		require.True(t, resp.Success, resp.ErrorMessage)
		arr = GenerateArrayResult{}
		require.NoError(t, resp.DecodeResult(&arr))
		assert.Empty(t, arr.Array)
		assert.Zero(t, arr.Min)
		assert.Zero(t, arr.Max)
	})

	t.Run("generate over the full int range", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskGenerateArray, GenerateArrayParams{
			Size: IntPtr(4), MinVal: IntPtr(math.MinInt), MaxVal: IntPtr(math.MaxInt),
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
	})

	t.Run("generate matrix", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskGenerateMatrix, GenerateMatrixParams{
			Rows: IntPtr(2), Cols: IntPtr(4), MinVal: IntPtr(5), MaxVal: IntPtr(5),
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
		var res GenerateMatrixResult
		require.NoError(t, resp.DecodeResult(&res))
		assert.Equal(t, [][]int{{5, 5, 5, 5}, {5, 5, 5, 5}}, res.Matrix)
		assert.Equal(t, "2x4", res.Dimensions)
		assert.Equal(t, 8, res.TotalElements)
	})

	t.Run("generate with inverted range fails", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskGenerateArray, GenerateArrayParams{
			MinVal: IntPtr(10), MaxVal: IntPtr(1),
		}))
		assert.False(t, resp.Success)
	})

	t.Run("validate", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskValidateData, ValidateDataParams{
			Type: "matrix",
			Data: json.RawMessage(`[[1,2],[3,4]]`),
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
		var res ValidateDataResult
		require.NoError(t, resp.DecodeResult(&res))
		assert.True(t, res.IsValid)
		assert.Equal(t, 2, res.Rows)
		assert.Equal(t, 2, res.Cols)

		resp = p.Process(ctx, mustRequest(t, TaskValidateData, ValidateDataParams{
			Type: "array",
			Data: json.RawMessage(`[1,"two"]`),
		}))
		require.True(t, resp.Success, resp.ErrorMessage)
		require.NoError(t, resp.DecodeResult(&res))
		assert.False(t, res.IsValid)

		resp = p.Process(ctx, mustRequest(t, TaskValidateData, ValidateDataParams{Type: "tensor"}))
		require.True(t, resp.Success, resp.ErrorMessage)
		res = ValidateDataResult{}
		require.NoError(t, resp.DecodeResult(&res))
		assert.False(t, res.IsValid)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("missing required parameters fail", func(t *testing.T) {
		for _, kind := range []TaskKind{TaskSumArrays, TaskRotateMatrix, TaskCommonNumbers} {
			for name, params := range map[string]any{
				"nil":     nil,
				"empty":   map[string]any{},
				"partial": map[string]any{"array1": []int{1}},
				"null":    json.RawMessage(`{"matrix":null,"array1":null,"array2":null}`),
			} {
				resp := p.Process(ctx, mustRequest(t, kind, params))
				assert.False(t, resp.Success, "%s with %s parameters", kind, name)
				assert.Contains(t, resp.ErrorMessage, ErrParameter.Error(), "%s with %s parameters", kind, name)
				assert.Empty(t, resp.Result)
			}
		}

		resp := p.Process(ctx, mustRequest(t, TaskSumArrays, SumArraysParams{Array1: []float64{}, Array2: []float64{}}))
		assert.True(t, resp.Success, resp.ErrorMessage)
	})

	t.Run("validate defaults to an empty array", func(t *testing.T) {
		resp := p.Process(ctx, mustRequest(t, TaskValidateData, nil))
		require.True(t, resp.Success, resp.ErrorMessage)
		var res ValidateDataResult
		require.NoError(t, resp.DecodeResult(&res))
		assert.True(t, res.IsValid)
		assert.Equal(t, "array", res.DataType)
		assert.Zero(t, res.Size)
		assert.Empty(t, res.Error)
	})

	t.Run("wrong parameter types fail", func(t *testing.T) {
		resp := p.Process(ctx, TaskRequest{Kind: TaskSumArrays, Parameters: json.RawMessage(`{"array1":"abc"}`)})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.ErrorMessage, ErrParameter.Error())
	})

	t.Run("unknown kind fails", func(t *testing.T) {
		resp := p.Process(ctx, TaskRequest{Kind: "matrix_multiply"})
		assert.False(t, resp.Success)
		assert.Contains(t, resp.ErrorMessage, ErrUnknownTaskKind.Error())
	})
}

type panickingGenerator struct{}

func (panickingGenerator) Array(int, int, int) ([]int, error) { panic("generator exploded") }
func (panickingGenerator) Matrix(int, int, int, int) ([][]int, error) { panic("generator exploded") }

func TestProcessorRecoversPanic(t *testing.T) {
	p := newTestProcessor(WithGenerator(panickingGenerator{}))
	resp := p.Process(context.Background(), mustRequest(t, TaskGenerateArray, nil))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "generator exploded")

	st := p.Stats()
	assert.Equal(t, int64(1), st.Total)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(0), st.InFlight)
}

func TestProcessorLatency(t *testing.T) {
	p := NewProcessor(WithLatency(30*time.Millisecond, 60*time.Millisecond))
	resp := p.Process(context.Background(), mustRequest(t, TaskGenerateArray, nil))
	require.True(t, resp.Success, resp.ErrorMessage)
	assert.GreaterOrEqual(t, resp.ExecutionTime, 0.03)

	slow := NewProcessor(WithLatency(time.Minute, time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp = slow.Process(ctx, mustRequest(t, TaskGenerateArray, nil))
	assert.False(t, resp.Success)
	assert.Less(t, resp.ExecutionTime, 5.0)
}

func TestProcessorStatsInvariant(t *testing.T) {
	p := NewProcessor(WithLatency(time.Millisecond, 5*time.Millisecond))
	ctx := context.Background()

	good := mustRequest(t, TaskSumArrays, SumArraysParams{Array1: []float64{1}, Array2: []float64{2}})
	bad := mustRequest(t, TaskSumArrays, SumArraysParams{Array1: []float64{1, 2}, Array2: []float64{2}})

	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		var last Stats
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := p.Stats()
			if st.Total != st.Successful+st.Failed {
				t.Errorf("total %d != successful %d + failed %d", st.Total, st.Successful, st.Failed)
				return
			}
			if st.Total < last.Total || st.Successful < last.Successful || st.Failed < last.Failed {
				t.Errorf("counters went backwards: %+v -> %+v", last, st)
				return
			}
			last = st
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				p.Process(ctx, bad)
			} else {
				p.Process(ctx, good)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	sampler.Wait()

	st := p.Stats()
	assert.Equal(t, int64(20), st.Total)
	assert.Equal(t, int64(15), st.Successful)
	assert.Equal(t, int64(5), st.Failed)
	assert.Equal(t, int64(0), st.InFlight)
	assert.InDelta(t, 75.0, st.SuccessRate, 0.001)
	assert.Greater(t, st.AverageExecutionTime, 0.0)
}
