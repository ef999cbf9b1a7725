package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"txflow/internal/contract"
	"txflow/internal/pipeline"
	"txflow/internal/validation"
	"txflow/pkg/models"
)

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "查询各节点控制的账户与余额",
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			accounts, err := rt.session.Accounts(rt.Context())
			if err != nil {
				return err
			}
			return printJSON(accounts)
		}),
	}
}

func newTransferCmd() *cobra.Command {
	var fromNode, toNode, amount string

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "由节点签名，在两个节点的主账户之间转账",
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			value, err := validation.ParseAmount(amount)
			if err != nil {
				return err
			}
			outcome, err := rt.session.Transfer(rt.Context(), fromNode, toNode, value)
			if outcome != nil {
				printJSON(outcome)
			}
			return err
		}),
	}

	cmd.Flags().StringVar(&fromNode, "from", "", "发送节点")
	cmd.Flags().StringVar(&toNode, "to", "", "接收节点")
	cmd.Flags().StringVar(&amount, "amount", "", "转账金额（十进制或 0x 十六进制）")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newTransferRawCmd() *cobra.Command {
	var viaNode, from, to, amount string

	cmd := &cobra.Command{
		Use:   "transfer-raw",
		Short: "使用本地钱包签名并经指定节点广播转账",
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
				return fmt.Errorf("地址格式无效: from=%s to=%s", from, to)
			}
			value, err := validation.ParseAmount(amount)
			if err != nil {
				return err
			}
			outcome, err := rt.session.TransferRaw(rt.Context(), viaNode,
				common.HexToAddress(from), common.HexToAddress(to), value)
			if outcome != nil {
				printJSON(outcome)
			}
			return err
		}),
	}

	cmd.Flags().StringVar(&viaNode, "via", "", "广播节点")
	cmd.Flags().StringVar(&from, "from", "", "发送地址（需在钱包中）")
	cmd.Flags().StringVar(&to, "to", "", "接收地址")
	cmd.Flags().StringVar(&amount, "amount", "", "转账金额")
	cmd.MarkFlagRequired("via")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("amount")
	return cmd
}

// artifactFlags 合约来源参数
type artifactFlags struct {
	source string
	name   string
}

func (a *artifactFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.source, "source", "configs/contracts/product.json", "合约源码 (.sol) 或 combined-json 产物")
	cmd.Flags().StringVar(&a.name, "contract", "Product", "合约名称")
}

func (a *artifactFlags) compile(rt *cliEnv) (*models.Contract, error) {
	c, err := rt.session.Compile(rt.Context(), a.source, a.name)
	if err != nil {
		return nil, err
	}
	installDryRunBehaviors(rt, c)
	return c, nil
}

// installDryRunBehaviors 试运行时为 Product 合约注册 buy() 模拟
func installDryRunBehaviors(rt *cliEnv, c *models.Contract) {
	if rt.dryRun == nil {
		return
	}
	if err := rt.dryRun.InstallProduct(c); err != nil {
		rt.logger.Debugf("合约 %s 无模拟行为: %v", c.Name, err)
	}
}

func optionalAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return validation.ParseAmount(s)
}

func newDeployCmd() *cobra.Command {
	var (
		artifact artifactFlags
		node     string
		ctorArgs []string
		value    string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "编译并部署合约，等待回执后输出合约地址与事件",
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			amount, err := optionalAmount(value)
			if err != nil {
				return err
			}
			c, err := artifact.compile(rt)
			if err != nil {
				return err
			}
			parsed, err := contract.ParseArgs(c.ABI.Constructor.Inputs, ctorArgs)
			if err != nil {
				return err
			}
			res, err := rt.session.Deploy(rt.Context(), node, c, parsed, amount)
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}

	artifact.bind(cmd)
	cmd.Flags().StringVar(&node, "node", "", "部署节点")
	cmd.Flags().StringSliceVar(&ctorArgs, "args", nil, "构造参数，逗号分隔")
	cmd.Flags().StringVar(&value, "value", "", "部署附带金额，缺省使用配置的 deploy_value")
	cmd.MarkFlagRequired("node")
	return cmd
}

func newInvokeCmd() *cobra.Command {
	var (
		artifact   artifactFlags
		node       string
		address    string
		method     string
		methodArgs []string
		value      string
	)

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "调用已部署合约的方法并解码事件",
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			if !common.IsHexAddress(address) {
				return fmt.Errorf("合约地址格式无效: %s", address)
			}
			amount, err := optionalAmount(value)
			if err != nil {
				return err
			}
			c, err := artifact.compile(rt)
			if err != nil {
				return err
			}
			res, err := rt.session.InvokeArgs(rt.Context(), node, c.AtAddress(common.HexToAddress(address)), method, methodArgs, amount)
			if err != nil {
				return err
			}
			if res.Receipt != nil && !res.Receipt.Succeeded() {
				rt.logger.Warnf("调用 %s 执行失败", method)
			}
			return printJSON(res)
		}),
	}

	artifact.bind(cmd)
	cmd.Flags().StringVar(&node, "node", "", "调用节点")
	cmd.Flags().StringVar(&address, "address", "", "合约地址")
	cmd.Flags().StringVar(&method, "method", "", "方法名")
	cmd.Flags().StringSliceVar(&methodArgs, "args", nil, "方法参数，逗号分隔")
	cmd.Flags().StringVar(&value, "value", "", "附带金额")
	cmd.MarkFlagRequired("node")
	cmd.MarkFlagRequired("address")
	cmd.MarkFlagRequired("method")
	return cmd
}

func newReceiptCmd() *cobra.Command {
	var (
		node string
		wait bool
	)

	cmd := &cobra.Command{
		Use:   "receipt <tx-hash>",
		Short: "查询交易回执",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			if len(common.FromHex(args[0])) != common.HashLength {
				return fmt.Errorf("交易哈希格式无效: %s", args[0])
			}
			hash := common.HexToHash(args[0])
			if node == "" {
				node = rt.session.Nodes().Names()[0]
			}

			if wait {
				receipt, err := rt.session.WaitReceipt(rt.Context(), node, hash)
				if err != nil {
					return err
				}
				return printJSON(receipt)
			}

			receipt, found, err := rt.session.LookupReceipt(rt.Context(), node, hash)
			if err != nil {
				return err
			}
			if !found {
				fmt.Printf("交易 %s 尚未确认\n", hash.Hex())
				return nil
			}
			return printJSON(receipt)
		}),
	}

	cmd.Flags().StringVar(&node, "node", "", "查询节点，缺省为优先级最高的节点")
	cmd.Flags().BoolVar(&wait, "wait", false, "轮询直到确认或超时")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看交易流水",
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			records, err := rt.session.History(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("暂无交易记录")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %-8s %-6s %-9s %s\n",
					rec.SubmittedAt.Format("2006-01-02 15:04:05"), rec.Kind, rec.Node, rec.Status, rec.TxHash)
			}
			return nil
		}),
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "显示条数，0 表示全部")
	return cmd
}

func newDemoCmd() *cobra.Command {
	var (
		artifact artifactFlags
		ctorArgs []string
		amount   string
		price    string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "演示完整流程：转账、本地签名转账、部署 Product 并购买",
		RunE: withRuntime(func(cmd *cobra.Command, args []string, rt *cliEnv) error {
			c, err := artifact.compile(rt)
			if err != nil {
				return err
			}

			opts := pipeline.DemoOptions{Contract: c}
			if opts.Amount, err = optionalAmount(amount); err != nil {
				return err
			}
			if opts.Price, err = optionalAmount(price); err != nil {
				return err
			}
			if len(ctorArgs) > 0 {
				if opts.Args, err = contract.ParseArgs(c.ABI.Constructor.Inputs, ctorArgs); err != nil {
					return err
				}
			}

			report, err := rt.session.Demo(rt.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(report)
		}),
	}

	artifact.bind(cmd)
	cmd.Flags().StringSliceVar(&ctorArgs, "args", nil, "构造参数，缺省为 MacBook Pro")
	cmd.Flags().StringVar(&amount, "amount", "", "转账金额，缺省 500")
	cmd.Flags().StringVar(&price, "price", "", "商品价格（部署附带金额）")
	return cmd
}
