// Package idgen issues order and payment numbers.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator is the external unique-id collaborator.
type Generator interface {
	NextID() string
}

type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake requires a node id in [0, 1023], unique per running instance.
func NewSnowflake(nodeID int64) (*Snowflake, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeID, err)
	}
	return &Snowflake{node: node}, nil
}

func (s *Snowflake) NextID() string {
	return s.node.Generate().String()
}
