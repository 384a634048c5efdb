// Package node names runtime roles that expose an admin router.
package node

import "github.com/gin-gonic/gin"

type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
	// Ready reports whether the node is serving its primary listeners.
	Ready() bool
}
