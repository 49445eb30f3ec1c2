package router

import "time"

// maxReach is the saturation ceiling for a Node's reach score.
const maxReach uint32 = ^uint32(0)

// Node is a peer known to this router.
type Node struct {
	ID         Identifier
	NetAddress NetAddress

	reach               uint32
	consecutiveTimeouts int

	// firstSeen records when the node was inserted; nothing in the
	// module reads it, and it never participates in closestK ranking.
	// Mirrors the LastInteraction / LastUpdated timestamps kept by
	// reputation.ReputationScore.
	firstSeen time.Time
}

// Reach returns the node's current reach score.
func (n *Node) Reach() uint32 { return n.reach }

// ConsecutiveTimeouts returns the current timeout streak.
func (n *Node) ConsecutiveTimeouts() int { return n.consecutiveTimeouts }

func (n *Node) markReplied(deltaReach uint32) {
	if maxReach-n.reach < deltaReach {
		n.reach = maxReach
	} else {
		n.reach += deltaReach
	}
	n.consecutiveTimeouts = 0
}

func (n *Node) markTimeout() {
	n.reach = 0
	n.consecutiveTimeouts++
}

func (n *Node) decay(amount uint32) {
	if n.reach == 0 {
		return
	}
	if amount >= n.reach {
		n.reach = 0
		return
	}
	n.reach -= amount
}
