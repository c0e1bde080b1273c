package sessionlyddb

import (
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
	"github.com/urfave/cli/v2"
)

var DDBOpts struct {
	DAXCluster string
	Endpoint   string
	Region     string
}

var DAXClusterFlag = sessionlycli.StringFlag("dax-cluster", "The DAX cluster to connect to", &DDBOpts.DAXCluster)
var EndpointFlag = sessionlycli.StringFlag("ddb-endpoint", "Override the DynamoDB endpoint, e.g. http://localhost:8000 for DynamoDB Local", &DDBOpts.Endpoint)
var RegionFlag = sessionlycli.StringFlag("aws-region", "AWS region for DynamoDB and DAX", &DDBOpts.Region, "us-east-2")

var DDBFlags = []cli.Flag{
	DAXClusterFlag,
	EndpointFlag,
	RegionFlag,
}
