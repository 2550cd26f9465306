package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// maxBatch is the SSM limit on names per GetParameters call.
const maxBatch = 10

// ErrNotFound is returned when the named parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers such as the OpenAI client depend on this interface rather than
// the concrete *Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var missing *types.ParameterNotFound
		if errors.As(err, &missing) {
			return "", fmt.Errorf("paramstore: get parameter %q: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// GetParameters fetches several parameters, batching requests as SSM
// requires. Names that do not exist are absent from the result.
func (c *Client) GetParameters(ctx context.Context, names []string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	values := make(map[string]string, len(names))
	for start := 0; start < len(names); start += maxBatch {
		end := start + maxBatch
		if end > len(names) {
			end = len(names)
		}
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          names[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters: %w", err)
		}
		if out == nil {
			continue
		}
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			values[*p.Name] = *p.Value
		}
	}
	return values, nil
}
