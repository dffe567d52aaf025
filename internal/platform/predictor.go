package platform

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/gocarina/gocsv"
)

type Serializer interface {
	ContentType() string
	Serialize(payload any) ([]byte, error)
}

type Deserializer interface {
	Accept() string
	Deserialize(body []byte, out any) error
}

type JSONSerializer struct{}

func (JSONSerializer) ContentType() string { return "application/json" }

func (JSONSerializer) Serialize(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

type JSONDeserializer struct{}

func (JSONDeserializer) Accept() string { return "application/json" }

func (JSONDeserializer) Deserialize(body []byte, out any) error {
	return json.Unmarshal(body, out)
}

// CSVSerializer writes one row per record. The payload may be a []string
// (one value per row), a [][]string, or a slice of structs with csv tags.
type CSVSerializer struct{}

func (CSVSerializer) ContentType() string { return "text/csv" }

func (CSVSerializer) Serialize(payload any) ([]byte, error) {
	var buf bytes.Buffer

	switch records := payload.(type) {
	case []string:
		w := csv.NewWriter(&buf)
		for _, record := range records {
			if err := w.Write([]string{record}); err != nil {
				return nil, err
			}
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	case [][]string:
		w := csv.NewWriter(&buf)
		if err := w.WriteAll(records); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	if v := reflect.ValueOf(payload); v.Kind() != reflect.Slice {
		return nil, fmt.Errorf("csv serializer does not support payload of type %T", payload)
	}
	if err := gocsv.MarshalWithoutHeaders(payload, &buf); err != nil {
		return nil, fmt.Errorf("error serializing csv payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Predictor sends payloads to a deployed endpoint.
type Predictor struct {
	Runtime      RuntimeAPI
	EndpointName string
	Serializer   Serializer
	Deserializer Deserializer
}

func NewPredictor(runtime RuntimeAPI, endpointName string) *Predictor {
	return &Predictor{
		Runtime:      runtime,
		EndpointName: endpointName,
		Serializer:   JSONSerializer{},
		Deserializer: JSONDeserializer{},
	}
}

// Predict serializes payload, invokes the endpoint and decodes the response into out.
func (p *Predictor) Predict(ctx context.Context, payload any, out any) error {
	body, err := p.Serializer.Serialize(payload)
	if err != nil {
		return fmt.Errorf("error serializing payload: %w", err)
	}

	res, err := p.Invoke(ctx, body, p.Serializer.ContentType(), p.Deserializer.Accept())
	if err != nil {
		return err
	}

	if err := p.Deserializer.Deserialize(res, out); err != nil {
		return fmt.Errorf("error deserializing response from %s: %w", p.EndpointName, err)
	}
	return nil
}

// Invoke sends a raw body to the endpoint and returns the raw response.
func (p *Predictor) Invoke(ctx context.Context, body []byte, contentType, accept string) ([]byte, error) {
	input := &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(p.EndpointName),
		Body:         body,
		ContentType:  aws.String(contentType),
	}
	if accept != "" {
		input.Accept = aws.String(accept)
	}

	out, err := p.Runtime.InvokeEndpoint(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("error invoking endpoint %s: %w", p.EndpointName, err)
	}
	return out.Body, nil
}
