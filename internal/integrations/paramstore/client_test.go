package paramstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut     *ssm.GetParameterOutput
	getErr     error
	lastGetIn  *ssm.GetParameterInput
	values     map[string]string
	batchErr   error
	batchCalls [][]string
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeAPI) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batchCalls = append(f.batchCalls, in.Names)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		v, ok := f.values[name]
		if !ok {
			out.InvalidParameters = append(out.InvalidParameters, name)
			continue
		}
		out.Parameters = append(out.Parameters, types.Parameter{Name: strPtr(name), Value: strPtr(v)})
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(`{"token":"sk-test"}`), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " p ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"sk-test"}`, v)
	require.Equal(t, "p", *api.lastGetIn.Name)
	require.True(t, *api.lastGetIn.WithDecryption)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

func TestGetParameter_NotFound(t *testing.T) {
	api := &fakeAPI{getErr: &types.ParameterNotFound{Message: strPtr("nope")}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_ApiError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("boom")}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "boom")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "name is required")
}

func TestGetParameters_BatchesAndSkipsMissing(t *testing.T) {
	api := &fakeAPI{values: map[string]string{}}
	var names []string
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("/app/p%d", i)
		names = append(names, name)
		if i%2 == 0 {
			api.values[name] = fmt.Sprintf("v%d", i)
		}
	}
	client, err := New(api)
	require.NoError(t, err)

	got, err := client.GetParameters(context.Background(), names)
	require.NoError(t, err)
	require.Len(t, api.batchCalls, 2)
	require.Len(t, api.batchCalls[0], 10)
	require.Len(t, got, 6)
	require.Equal(t, "v10", got["/app/p10"])
	_, ok := got["/app/p1"]
	require.False(t, ok)
}

func TestGetParameters_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{batchErr: errors.New("throttled")})
	require.NoError(t, err)
	_, err = client.GetParameters(context.Background(), []string{"a"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "get parameters")
}
