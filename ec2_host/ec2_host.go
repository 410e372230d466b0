package ec2host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Octogonapus/PipelineBenchmark/target"
	"github.com/Octogonapus/PipelineBenchmark/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"
)

// Ubuntu 22.04 from Canonical.
const DefaultImageID = "ami-05fb0b8c1424f266b"

// The subset of the EC2 client used to provision a host.
type EC2API interface {
	CreateVpc(context.Context, *ec2.CreateVpcInput, ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	ModifyVpcAttribute(context.Context, *ec2.ModifyVpcAttributeInput, ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error)
	CreateSubnet(context.Context, *ec2.CreateSubnetInput, ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	CreateInternetGateway(context.Context, *ec2.CreateInternetGatewayInput, ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error)
	AttachInternetGateway(context.Context, *ec2.AttachInternetGatewayInput, ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error)
	DescribeRouteTables(context.Context, *ec2.DescribeRouteTablesInput, ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	CreateRoute(context.Context, *ec2.CreateRouteInput, ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	CreateSecurityGroup(context.Context, *ec2.CreateSecurityGroupInput, ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(context.Context, *ec2.AuthorizeSecurityGroupIngressInput, ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	CreateKeyPair(context.Context, *ec2.CreateKeyPairInput, ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(context.Context, *ec2.DescribeInstanceStatusInput, ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DeleteKeyPair(context.Context, *ec2.DeleteKeyPairInput, ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	DeleteSecurityGroup(context.Context, *ec2.DeleteSecurityGroupInput, ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	DetachInternetGateway(context.Context, *ec2.DetachInternetGatewayInput, ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(context.Context, *ec2.DeleteInternetGatewayInput, ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)
	DeleteSubnet(context.Context, *ec2.DeleteSubnetInput, ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	DeleteVpc(context.Context, *ec2.DeleteVpcInput, ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
}

type EC2HostInput struct {
	AwsConfig        aws.Config
	InstanceType     ec2Types.InstanceType
	ImageID          string // DefaultImageID when empty
	VolumeSizeGB     int32  // 100 when zero; must hold the data sets and their products
	WaitToInitialize bool
	RootLogin        bool // reconnect as root once the host is reachable (profilers need it)
}

// A single throwaway benchmark host in its own VPC. TearDown removes everything SetUp created.
type EC2Host struct {
	input    *EC2HostInput
	ec2      EC2API
	vpcID    *string
	igwID    *string
	sgID     *string
	subnetID *string
	keyName  *string
	keyID    *string
	instance *string
	signer   ssh.Signer
	target   *target.SSHTarget

	// Waits between polls of slow EC2 operations.
	pollInterval time.Duration
}

func NewEC2Host(input *EC2HostInput) *EC2Host {
	return NewEC2HostWithClient(ec2.NewFromConfig(input.AwsConfig), input)
}

func NewEC2HostWithClient(api EC2API, input *EC2HostInput) *EC2Host {
	if input.ImageID == "" {
		input.ImageID = DefaultImageID
	}
	if input.VolumeSizeGB == 0 {
		input.VolumeSizeGB = 100
	}
	return &EC2Host{input: input, ec2: api, pollInterval: 60 * time.Second}
}

// Provision the host and wait until it accepts SSH connections.
func (h *EC2Host) SetUp() (*target.SSHTarget, error) {
	t, err := h.Provision()
	if err != nil {
		return nil, err
	}

	err = waitForTargetReachable(t, "ubuntu", h.pollInterval/6)
	if err != nil {
		slog.Error("instance is not reachable", slog.String("instanceID", *h.instance), slog.String("error", err.Error()))
		return nil, err
	}

	if h.input.RootLogin {
		err = configureForRootLogin(t)
		if err != nil {
			slog.Error("failed to configure target for root login", slog.String("instanceID", *h.instance), slog.String("error", err.Error()))
			return nil, err
		}
		t.Close()
		t.User = aws.String("root")
	}
	return t, nil
}

// Create the network, key pair and instance. The returned target has not been connected to yet.
func (h *EC2Host) Provision() (*target.SSHTarget, error) {
	err := h.createNetwork()
	if err != nil {
		return nil, err
	}

	keyPair, err := h.ec2.CreateKeyPair(context.Background(), &ec2.CreateKeyPairInput{
		KeyName:   h.randString(),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return nil, err
	}
	h.keyName = keyPair.KeyName
	h.keyID = keyPair.KeyPairId
	slog.Debug("created key pair", slog.String("ID", *h.keyID))
	h.signer, err = ssh.ParsePrivateKey([]byte(*keyPair.KeyMaterial))
	if err != nil {
		return nil, err
	}

	resp, err := h.launchInstance()
	if err != nil {
		return nil, err
	}
	h.instance = resp.Instances[0].InstanceId

	if h.input.WaitToInitialize {
		err = h.waitForInstanceStatusOk()
		if err != nil {
			return nil, err
		}
	}

	ip, err := h.getInstanceIP()
	if err != nil {
		return nil, err
	}
	slog.Debug("instance got IP", slog.String("instanceID", *h.instance), slog.String("ip", *ip))

	h.target = &target.SSHTarget{
		User:    aws.String("ubuntu"),
		IP:      ip,
		SSHPort: 22,
		Auths:   []ssh.AuthMethod{ssh.PublicKeys(h.signer)},
	}
	return h.target, nil
}

func (h *EC2Host) createNetwork() error {
	cidr := aws.String("10.0.0.0/16")
	vpc, err := h.ec2.CreateVpc(context.Background(), &ec2.CreateVpcInput{
		CidrBlock: cidr,
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeVpc,
			Tags:         []ec2Types.Tag{{Key: aws.String("Name"), Value: h.randString()}},
		}},
	})
	if err != nil {
		return err
	}
	slog.Debug("created VPC", slog.String("ID", *vpc.Vpc.VpcId))
	h.vpcID = vpc.Vpc.VpcId

	// This must be done in two requests
	_, err = h.ec2.ModifyVpcAttribute(context.Background(), &ec2.ModifyVpcAttributeInput{
		VpcId:            h.vpcID,
		EnableDnsSupport: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	_, err = h.ec2.ModifyVpcAttribute(context.Background(), &ec2.ModifyVpcAttributeInput{
		VpcId:              h.vpcID,
		EnableDnsHostnames: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}

	subnet, err := h.ec2.CreateSubnet(context.Background(), &ec2.CreateSubnetInput{VpcId: h.vpcID, CidrBlock: cidr})
	if err != nil {
		return err
	}
	slog.Debug("created subnet", slog.String("ID", *subnet.Subnet.SubnetId))
	h.subnetID = subnet.Subnet.SubnetId

	igw, err := h.ec2.CreateInternetGateway(context.Background(), &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return err
	}
	slog.Debug("created internet gateway", slog.String("ID", *igw.InternetGateway.InternetGatewayId))
	h.igwID = igw.InternetGateway.InternetGatewayId

	_, err = h.ec2.AttachInternetGateway(context.Background(), &ec2.AttachInternetGatewayInput{
		InternetGatewayId: h.igwID,
		VpcId:             h.vpcID,
	})
	if err != nil {
		return err
	}

	// The VPC comes with a main route table so we don't make one
	routeTable, err := h.ec2.DescribeRouteTables(context.Background(), &ec2.DescribeRouteTablesInput{
		Filters: []ec2Types.Filter{{Name: aws.String("vpc-id"), Values: []string{*h.vpcID}}},
	})
	if err != nil {
		return err
	}
	if len(routeTable.RouteTables) == 0 {
		return fmt.Errorf("VPC %s has no route table", *h.vpcID)
	}
	_, err = h.ec2.CreateRoute(context.Background(), &ec2.CreateRouteInput{
		RouteTableId:         routeTable.RouteTables[0].RouteTableId,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            h.igwID,
	})
	if err != nil {
		return err
	}

	sg, err := h.ec2.CreateSecurityGroup(context.Background(), &ec2.CreateSecurityGroupInput{
		GroupName:   h.randString(),
		Description: aws.String("pipeline benchmark host"),
		VpcId:       h.vpcID,
	})
	if err != nil {
		return err
	}
	slog.Debug("created security group", slog.String("ID", *sg.GroupId))
	h.sgID = sg.GroupId

	_, err = h.ec2.AuthorizeSecurityGroupIngress(context.Background(), &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: h.sgID,
		IpPermissions: []ec2Types.IpPermission{{
			FromPort:   aws.Int32(22),
			IpProtocol: aws.String("tcp"),
			IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			ToPort:     aws.Int32(22),
		}},
	})
	return err
}

func (h *EC2Host) launchInstance() (*ec2.RunInstancesOutput, error) {
	var resp *ec2.RunInstancesOutput
	var err error
	for i := 0; i < 5; i++ {
		resp, err = h.ec2.RunInstances(context.Background(), &ec2.RunInstancesInput{
			MinCount:     aws.Int32(1),
			MaxCount:     aws.Int32(1),
			EbsOptimized: aws.Bool(true),
			ImageId:      aws.String(h.input.ImageID),
			BlockDeviceMappings: []ec2Types.BlockDeviceMapping{{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &ec2Types.EbsBlockDevice{
					VolumeSize:          aws.Int32(h.input.VolumeSizeGB),
					VolumeType:          ec2Types.VolumeTypeGp3,
					DeleteOnTermination: aws.Bool(true),
					Encrypted:           aws.Bool(true),
				},
			}},
			InstanceType: h.input.InstanceType,
			KeyName:      h.keyName,
			NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{{
				DeviceIndex:              aws.Int32(0),
				AssociatePublicIpAddress: aws.Bool(true),
				Groups:                   []string{*h.sgID},
				SubnetId:                 h.subnetID,
				DeleteOnTermination:      aws.Bool(true),
			}},
		})
		if err == nil && len(resp.Instances) > 0 {
			slog.Debug("launched instance", slog.String("instanceID", *resp.Instances[0].InstanceId))
			return resp, nil
		}
		if err != nil {
			slog.Debug("waiting to launch instance", slog.String("error", err.Error()))
		}
		time.Sleep(h.pollInterval)
	}
	return nil, fmt.Errorf("failed to launch instance: %w", err)
}

func (h *EC2Host) waitForInstanceStatusOk() error {
	var err error
	for i := 0; i < 5; i++ {
		var status *ec2.DescribeInstanceStatusOutput
		status, err = h.ec2.DescribeInstanceStatus(context.Background(), &ec2.DescribeInstanceStatusInput{
			InstanceIds:         []string{*h.instance},
			IncludeAllInstances: aws.Bool(true),
		})
		if err == nil && len(status.InstanceStatuses) > 0 &&
			status.InstanceStatuses[0].InstanceStatus.Status == ec2Types.SummaryStatusOk &&
			status.InstanceStatuses[0].SystemStatus.Status == ec2Types.SummaryStatusOk {
			return nil
		}
		if err != nil {
			slog.Debug("waiting for instance to finish initializing", slog.String("error", err.Error()))
		} else {
			slog.Debug("waiting for instance to finish initializing")
		}
		time.Sleep(h.pollInterval)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("instance %s did not finish initializing", *h.instance)
}

func (h *EC2Host) getInstanceIP() (*string, error) {
	for i := 0; i < 10; i++ {
		resp, err := h.ec2.DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{
			InstanceIds: []string{*h.instance},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Reservations) > 0 && len(resp.Reservations[0].Instances) > 0 {
			ip := resp.Reservations[0].Instances[0].PublicIpAddress
			if ip != nil {
				return ip, nil
			}
		}
		time.Sleep(h.pollInterval / 20)
	}
	return nil, fmt.Errorf("failed to get instance %s IP", *h.instance)
}

func waitForTargetReachable(t target.Target, user string, interval time.Duration) error {
	for i := 0; i < 30; i++ {
		buf, err := t.RunCommand("whoami")
		if err != nil || strings.TrimSpace(string(buf)) != user {
			if err != nil {
				slog.Debug("target reachability check failed", slog.String("error", err.Error()))
			}
			time.Sleep(interval)
			continue
		}
		return nil
	}
	return fmt.Errorf("timed out waiting for %s to be reachable", t.Describe())
}

func configureForRootLogin(t target.Target) error {
	_, err := t.RunCommand("sudo sed -i 's/#PermitRootLogin prohibit-password/PermitRootLogin yes/g' /etc/ssh/sshd_config")
	if err != nil {
		return fmt.Errorf("failed to change sshd_config: %w", err)
	}
	_, err = t.RunCommand("sudo sed -i -e 's/.*exit 142\" \\(.*$\\)/\\1/' /root/.ssh/authorized_keys")
	if err != nil {
		return fmt.Errorf("failed to change authorized_keys: %w", err)
	}
	_, err = t.RunCommand("sudo systemctl restart ssh")
	if err != nil {
		return fmt.Errorf("failed to restart ssh: %w", err)
	}
	return nil
}

// Terminates the instance and deletes everything created for it. Keeps going after failures and returns all of them.
func (h *EC2Host) TearDown() error {
	errs := []error{}
	if h.target != nil {
		h.target.Close()
	}

	if h.instance != nil {
		_, err := h.ec2.TerminateInstances(context.Background(), &ec2.TerminateInstancesInput{
			InstanceIds: []string{*h.instance},
		})
		if err != nil {
			slog.Error("failed to destroy instance", slog.String("instanceID", *h.instance), slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			// The security group and subnet can't be deleted while the instance exists
			h.waitForTermination()
		}
	}

	if h.keyID != nil {
		_, err := h.ec2.DeleteKeyPair(context.Background(), &ec2.DeleteKeyPairInput{KeyPairId: h.keyID})
		errs = appendTearDownErr(errs, "DeleteKeyPair", err)
	}

	if h.sgID != nil {
		_, err := h.ec2.DeleteSecurityGroup(context.Background(), &ec2.DeleteSecurityGroupInput{GroupId: h.sgID})
		errs = appendTearDownErr(errs, "DeleteSecurityGroup", err)
	}

	if h.igwID != nil {
		_, err := h.ec2.DetachInternetGateway(context.Background(), &ec2.DetachInternetGatewayInput{
			VpcId:             h.vpcID,
			InternetGatewayId: h.igwID,
		})
		errs = appendTearDownErr(errs, "DetachInternetGateway", err)

		_, err = h.ec2.DeleteInternetGateway(context.Background(), &ec2.DeleteInternetGatewayInput{InternetGatewayId: h.igwID})
		errs = appendTearDownErr(errs, "DeleteInternetGateway", err)
	}

	if h.subnetID != nil {
		_, err := h.ec2.DeleteSubnet(context.Background(), &ec2.DeleteSubnetInput{SubnetId: h.subnetID})
		errs = appendTearDownErr(errs, "DeleteSubnet", err)
	}

	if h.vpcID != nil {
		_, err := h.ec2.DeleteVpc(context.Background(), &ec2.DeleteVpcInput{VpcId: h.vpcID})
		errs = appendTearDownErr(errs, "DeleteVpc", err)
	}

	return errors.Join(errs...)
}

func (h *EC2Host) waitForTermination() {
	for i := 0; i < 5; i++ {
		resp, err := h.ec2.DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{
			InstanceIds: []string{*h.instance},
		})
		if err == nil && len(resp.Reservations) > 0 && len(resp.Reservations[0].Instances) > 0 &&
			resp.Reservations[0].Instances[0].State != nil &&
			resp.Reservations[0].Instances[0].State.Name == ec2Types.InstanceStateNameTerminated {
			return
		}
		if err != nil {
			slog.Debug("waiting for instance to finish terminating", slog.String("error", err.Error()))
		} else {
			slog.Debug("waiting for instance to finish terminating")
		}
		time.Sleep(h.pollInterval)
	}
}

func appendTearDownErr(errs []error, op string, err error) []error {
	if err != nil {
		slog.Error(op+" failed", slog.String("error", err.Error()))
		return append(errs, fmt.Errorf("%s failed: %w", op, err))
	}
	slog.Debug(op + " succeeded")
	return errs
}

func (h *EC2Host) randString() *string {
	return aws.String(fmt.Sprintf("pipeline-benchmark-%s", util.Randstring(8)))
}
