package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Datum is a single metric observation.
type Datum struct {
	Name  string
	Value float64
	Unit  cwtypes.StandardUnit
}

func Count(name string, n int) Datum {
	return Datum{Name: name, Value: float64(n), Unit: cwtypes.StandardUnitCount}
}

func Millis(name string, d time.Duration) Datum {
	return Datum{Name: name, Value: float64(d.Milliseconds()), Unit: cwtypes.StandardUnitMilliseconds}
}

// Metrics publishes custom metrics under a fixed namespace, tagged with a
// "Component" dimension.
type Metrics struct {
	CloudWatch CloudWatchAPI
	Namespace  string
	Component  string
	nowFunc    func() time.Time
}

func NewMetrics(cw CloudWatchAPI, namespace, component string) *Metrics {
	return &Metrics{
		CloudWatch: cw,
		Namespace:  namespace,
		Component:  component,
		nowFunc:    time.Now,
	}
}

// Emit sends all data points in one PutMetricData call.
func (m *Metrics) Emit(ctx context.Context, data ...Datum) error {
	if m == nil || m.CloudWatch == nil || len(data) == 0 {
		return nil
	}
	now := m.nowFunc()
	dims := []cwtypes.Dimension{{Name: awsString("Component"), Value: awsString(m.Component)}}

	datums := make([]cwtypes.MetricDatum, 0, len(data))
	for _, d := range data {
		datums = append(datums, cwtypes.MetricDatum{
			MetricName: awsString(d.Name),
			Value:      awsFloat(d.Value),
			Unit:       d.Unit,
			Timestamp:  &now,
			Dimensions: dims,
		})
	}

	_, err := m.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  awsString(m.Namespace),
		MetricData: datums,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

func awsFloat(f float64) *float64 { return &f }
