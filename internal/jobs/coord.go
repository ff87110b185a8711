package jobs

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// Coord is a normalized bounding-box value kept as an exact decimal so a
// result read back and re-serialized never drifts from what the engine wrote.
// It is stored in DynamoDB as a Number and in JSON as a decimal string.
type Coord struct {
	decimal.Decimal
}

// ParseCoord parses a decimal literal such as "0.481250".
func ParseCoord(s string) (Coord, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Coord{}, fmt.Errorf("parse coordinate %q: %w", s, err)
	}
	return Coord{d}, nil
}

// MustCoord is ParseCoord for literals known to be valid.
func MustCoord(s string) Coord {
	c, err := ParseCoord(s)
	if err != nil {
		panic(err)
	}
	return c
}

// CoordFromFloat converts an engine-provided float using its shortest
// decimal representation.
func CoordFromFloat(f float64) Coord {
	return Coord{decimal.NewFromFloat(f)}
}

// Equal reports numeric equality.
func (c Coord) Equal(o Coord) bool {
	return c.Decimal.Equal(o.Decimal)
}

func (c Coord) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: c.String()}, nil
}

func (c *Coord) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	var raw string
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		raw = v.Value
	case *types.AttributeValueMemberS:
		raw = v.Value
	case *types.AttributeValueMemberNULL:
		*c = Coord{}
		return nil
	default:
		return fmt.Errorf("coordinate: unexpected attribute type %T", av)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("coordinate %q: %w", raw, err)
	}
	c.Decimal = d
	return nil
}
